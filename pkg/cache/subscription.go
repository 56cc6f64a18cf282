package cache

import "sync"

// subscriptionBuffer bounds how many undelivered snapshots a slow consumer
// can hold before older ones start to coalesce.
const subscriptionBuffer = 16

// Subscription delivers a snapshot for every status transition and every
// delta application on one key. A consumer that falls behind loses
// intermediate snapshots but always receives the latest one, which is enough
// for a re-render contract.
type Subscription struct {
	store *Store
	key   Key
	ch    chan Entry
	once  sync.Once
}

// Subscribe registers a reader for key. The caller must Cancel the
// subscription when done with it.
func (s *Store) Subscribe(key Key) *Subscription {
	sub := &Subscription{store: s, key: key, ch: make(chan Entry, subscriptionBuffer)}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.subs[key] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Updates is closed when the subscription is cancelled.
func (sub *Subscription) Updates() <-chan Entry {
	return sub.ch
}

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.subs[sub.key]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(s.subs, sub.key)
			}
		}
		close(sub.ch)
	})
}

// publishLocked fans the current snapshot out to every subscriber of key.
// All sends happen under the store mutex, which is what keeps delivery order
// identical to mutation order.
func (s *Store) publishLocked(key Key) {
	set := s.subs[key]
	if len(set) == 0 {
		return
	}
	snap := s.snapshotLocked(key)
	for sub := range set {
		select {
		case sub.ch <- snap:
		default:
			// Full buffer: evict the oldest queued snapshot so the
			// latest always lands.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snap:
			default:
			}
		}
	}
}
