// Package cache holds the keyed store of fetched payloads that the refetch
// scheduler and the push event bridge both write into. It enforces the
// at-most-one-in-flight rule per key and keeps the last good value readable
// while a refresh runs or fails.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/astromechza/syncstate/pkg/merge"
)

// Key identifies a cache entry: a resource name plus an optional instance id,
// e.g. {workflows, 42} or {dashboard, ""} for a collection-level payload.
type Key struct {
	Resource string
	ID       string
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Resource
	}
	return k.Resource + "/" + k.ID
}

type Status string

const (
	StatusIdle     Status = "idle"
	StatusFetching Status = "fetching"
	StatusFresh    Status = "fresh"
	StatusStale    Status = "stale"
	StatusError    Status = "error"
)

// Entry is a point-in-time snapshot of one cache entry. Value is shared but
// never mutated in place: every write replaces the whole map, so a snapshot
// stays valid after later updates.
type Entry struct {
	Key           Key
	Value         map[string]any
	Status        Status
	LastFetchedAt time.Time
	Err           error
}

// Loader produces the payload for one key, typically by hitting a pull
// endpoint. It is invoked outside the store's lock.
type Loader func(ctx context.Context) (map[string]any, error)

type Config struct {
	// FreshFor is the freshness window applied to resources without an
	// override. Zero means entries never go stale.
	FreshFor time.Duration
	// ResourceFreshFor overrides the window per resource name.
	ResourceFreshFor map[string]time.Duration
	// Now is swapped out in tests.
	Now func() time.Time
}

type Store struct {
	cfg Config

	mu      sync.Mutex
	entries map[Key]*entry
	subs    map[Key]map[*Subscription]struct{}
}

type entry struct {
	value         map[string]any
	status        Status
	lastFetchedAt time.Time
	err           error
	inflight      *inflight
}

// inflight is the single shared operation that concurrent Fetch callers for
// the same key attach to.
type inflight struct {
	done  chan struct{}
	value map[string]any
	err   error
}

func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cfg:     cfg,
		entries: make(map[Key]*entry),
		subs:    make(map[Key]map[*Subscription]struct{}),
	}
}

// Get never blocks and returns the current snapshot for key, which has
// StatusIdle if the key has never been fetched or patched.
func (s *Store) Get(key Key) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(key)
}

// Fetch invokes loader for key unless a fetch for that key is already in
// flight, in which case the caller attaches to the existing operation and
// loader is not invoked again. On success the entry becomes fresh with the
// loaded value; on failure the entry records the error but keeps its previous
// value so readers still see stale data. The error is only returned to
// callers awaiting the fetch, Get readers observe it on the entry.
func (s *Store) Fetch(ctx context.Context, key Key, loader Loader) (map[string]any, error) {
	s.mu.Lock()
	e := s.entryLocked(key)
	if op := e.inflight; op != nil {
		s.mu.Unlock()
		select {
		case <-op.done:
			return op.value, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &inflight{done: make(chan struct{})}
	e.inflight = op
	prev := e.status
	e.status = StatusFetching
	s.publishLocked(key)
	s.mu.Unlock()

	value, err := loader(ctx)

	s.mu.Lock()
	op.value, op.err = value, err
	close(op.done)
	e.inflight = nil
	if err != nil && ctx.Err() != nil {
		// The fetch was cancelled, e.g. by the last reader detaching.
		// That says nothing about the backend, so restore the entry
		// rather than recording an error state.
		e.status = prev
	} else if err != nil {
		e.status = StatusError
		e.err = err
	} else {
		e.status = StatusFresh
		e.value = value
		e.lastFetchedAt = s.cfg.Now()
		e.err = nil
	}
	s.publishLocked(key)
	s.mu.Unlock()
	return value, err
}

// ApplyDelta shallow-merges patch into the entry's value. Freshness tracking
// is left alone: a delta supplements a fetched payload, it is not a fetch.
// A delta for an unknown key bootstraps a fresh entry from the patch alone,
// since a push update implies the data exists server-side.
func (s *Store) ApplyDelta(key Key, patch map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry{status: StatusFresh, value: merge.Patch(nil, patch)}
		s.publishLocked(key)
		return
	}
	e.value = merge.Patch(e.value, patch)
	s.publishLocked(key)
}

func (s *Store) entryLocked(key Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{status: StatusIdle}
		s.entries[key] = e
	}
	return e
}

func (s *Store) snapshotLocked(key Key) Entry {
	e, ok := s.entries[key]
	if !ok {
		return Entry{Key: key, Status: StatusIdle}
	}
	status := e.status
	if status == StatusFresh && !e.lastFetchedAt.IsZero() {
		if window := s.freshFor(key.Resource); window > 0 && s.cfg.Now().Sub(e.lastFetchedAt) > window {
			status = StatusStale
		}
	}
	return Entry{Key: key, Value: e.value, Status: status, LastFetchedAt: e.lastFetchedAt, Err: e.err}
}

func (s *Store) freshFor(resource string) time.Duration {
	if d, ok := s.cfg.ResourceFreshFor[resource]; ok {
		return d
	}
	return s.cfg.FreshFor
}
