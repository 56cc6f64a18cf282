// Package sched drives periodic and on-demand refetching of cache keys while
// they have at least one attached reader. Scheduling for a key stops the
// moment its last reader detaches, so no timers outlive their audience.
package sched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/syncstate/pkg/cache"
)

type Config struct {
	// Interval between refetches for resources without an override.
	Interval time.Duration
	// ResourceInterval overrides the period per resource name.
	ResourceInterval map[string]time.Duration
}

const defaultInterval = 30 * time.Second

type Scheduler struct {
	cfg    Config
	store  *cache.Store
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	keys map[cache.Key]*keyLoop
}

type keyLoop struct {
	refs    int
	cancel  context.CancelFunc
	refresh chan struct{}
}

func New(store *cache.Store, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		keys:   make(map[cache.Key]*keyLoop),
	}
}

// Attach registers a reader for key. The first reader starts the refetch
// loop: one immediate fetch and then one per interval, with duplicate
// triggers collapsing into the cache's single in-flight operation. The
// returned detach func is idempotent; when the last reader detaches the loop
// stops.
func (s *Scheduler) Attach(key cache.Key, loader cache.Loader) func() {
	s.mu.Lock()
	kl, ok := s.keys[key]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		kl = &keyLoop{cancel: cancel, refresh: make(chan struct{}, 1)}
		s.keys[key] = kl
		s.wg.Add(1)
		go s.run(ctx, key, loader, kl)
	}
	kl.refs++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.detach(key, kl)
		})
	}
}

// Refresh requests an immediate out-of-band refetch, e.g. after a mutation.
// It is a no-op for keys without attached readers.
func (s *Scheduler) Refresh(key cache.Key) {
	s.mu.Lock()
	kl, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case kl.refresh <- struct{}{}:
	default:
	}
}

// Close stops every loop and waits for them to exit.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) detach(key cache.Key, kl *keyLoop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs > 0 {
		return
	}
	kl.cancel()
	delete(s.keys, key)
}

func (s *Scheduler) run(ctx context.Context, key cache.Key, loader cache.Loader, kl *keyLoop) {
	defer s.wg.Done()

	fetch := func() {
		if _, err := s.store.Fetch(ctx, key, loader); err != nil && ctx.Err() == nil {
			slog.Error("scheduled fetch failed", "key", key.String(), "err", err)
		}
	}
	fetch()

	t := time.NewTicker(s.intervalFor(key.Resource))
	defer t.Stop()
	for {
		select {
		case <-t.C:
			fetch()
		case <-kl.refresh:
			fetch()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) intervalFor(resource string) time.Duration {
	if d, ok := s.cfg.ResourceInterval[resource]; ok && d > 0 {
		return d
	}
	return s.cfg.Interval
}
