package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Get_NeverFetchedIsIdle(t *testing.T) {
	s := New(Config{})
	e := s.Get(Key{Resource: "workflows"})
	assert.Equal(t, StatusIdle, e.Status)
	assert.Nil(t, e.Value)
	assert.True(t, e.LastFetchedAt.IsZero())
}

func TestStore_Fetch_Success(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows", ID: "wf-1"}

	value, err := s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, value)

	e := s.Get(key)
	assert.Equal(t, StatusFresh, e.Status)
	assert.Equal(t, map[string]any{"a": 1}, e.Value)
	assert.False(t, e.LastFetchedAt.IsZero())
	assert.NoError(t, e.Err)
}

func TestStore_Fetch_SingleFlight(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}

	var invocations atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (map[string]any, error) {
		invocations.Add(1)
		<-release
		return map[string]any{"a": 1}, nil
	}

	const callers = 20
	results := make([]map[string]any, callers)
	wg := new(sync.WaitGroup)
	ready := new(sync.WaitGroup)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		ready.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			v, err := s.Fetch(context.Background(), key, loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Hold the loader blocked until every caller is running and the entry
	// is visibly fetching, so all of them attach to the same operation.
	ready.Wait()
	require.Eventually(t, func() bool {
		return s.Get(key).Status == StatusFetching
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invocations.Load())
	for _, v := range results {
		assert.Equal(t, map[string]any{"a": 1}, v)
	}
}

func TestStore_Fetch_SequentialFetchesRunAgain(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}
	var invocations atomic.Int32
	loader := func(ctx context.Context) (map[string]any, error) {
		invocations.Add(1)
		return map[string]any{}, nil
	}

	_, err := s.Fetch(context.Background(), key, loader)
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), key, loader)
	require.NoError(t, err)
	assert.Equal(t, int32(2), invocations.Load())
}

func TestStore_Fetch_ErrorPreservesPreviousValue(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}
	boom := errors.New("boom")

	_, err := s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": 1}, nil
	})
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	e := s.Get(key)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, map[string]any{"a": 1}, e.Value, "stale value must remain readable")
	assert.ErrorIs(t, e.Err, boom)
}

func TestStore_Fetch_SuccessClearsError(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}

	_, _ = s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	_, err := s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": 2}, nil
	})
	require.NoError(t, err)

	e := s.Get(key)
	assert.Equal(t, StatusFresh, e.Status)
	assert.NoError(t, e.Err)
}

func TestStore_Fetch_AwaitingCallerHonoursContext(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
			<-release
			return map[string]any{}, nil
		})
	}()
	require.Eventually(t, func() bool {
		return s.Get(key).Status == StatusFetching
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Fetch(ctx, key, func(ctx context.Context) (map[string]any, error) {
		t.Error("second loader must not be invoked")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_Fetch_CancellationDoesNotRecordError(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}

	_, err := s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": 1}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = s.Fetch(ctx, key, func(ctx context.Context) (map[string]any, error) {
		cancel()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)

	e := s.Get(key)
	assert.Equal(t, StatusFresh, e.Status, "a cancelled refresh is not a backend failure")
	assert.NoError(t, e.Err)
	assert.Equal(t, map[string]any{"a": 1}, e.Value)
}

func TestStore_ApplyDelta_BootstrapsFreshEntry(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows", ID: "wf-9"}

	s.ApplyDelta(key, map[string]any{"a": 1})
	s.ApplyDelta(key, map[string]any{"b": 2})

	e := s.Get(key)
	assert.Equal(t, StatusFresh, e.Status)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, e.Value)
	assert.True(t, e.LastFetchedAt.IsZero(), "a delta is not a fetch")
}

func TestStore_ApplyDelta_DoesNotTouchFreshness(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(Config{FreshFor: 30 * time.Second, Now: func() time.Time { return now }})
	key := Key{Resource: "workflows"}

	_, err := s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": 1}, nil
	})
	require.NoError(t, err)
	fetchedAt := s.Get(key).LastFetchedAt

	now = now.Add(time.Minute)
	s.ApplyDelta(key, map[string]any{"b": 2})

	e := s.Get(key)
	assert.Equal(t, StatusStale, e.Status, "delta must not reset a stale entry to fresh")
	assert.Equal(t, fetchedAt, e.LastFetchedAt)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, e.Value)
}

func TestStore_Get_StaleAfterFreshnessWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	s := New(Config{
		FreshFor:         30 * time.Second,
		ResourceFreshFor: map[string]time.Duration{"health": 10 * time.Second},
		Now:              func() time.Time { return now },
	})
	workflows := Key{Resource: "workflows"}
	health := Key{Resource: "health"}
	loader := func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": 1}, nil
	}
	_, _ = s.Fetch(context.Background(), workflows, loader)
	_, _ = s.Fetch(context.Background(), health, loader)

	now = now.Add(15 * time.Second)
	assert.Equal(t, StatusFresh, s.Get(workflows).Status)
	assert.Equal(t, StatusStale, s.Get(health).Status, "per-resource window applies")

	now = now.Add(20 * time.Second)
	assert.Equal(t, StatusStale, s.Get(workflows).Status)
}

func TestStore_Subscribe_ObservesTransitionsAndDeltas(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}
	sub := s.Subscribe(key)
	defer sub.Cancel()

	_, err := s.Fetch(context.Background(), key, func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"a": 1}, nil
	})
	require.NoError(t, err)
	s.ApplyDelta(key, map[string]any{"b": 2})

	var statuses []Status
	for i := 0; i < 3; i++ {
		select {
		case e := <-sub.Updates():
			statuses = append(statuses, e.Status)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for update")
		}
	}
	assert.Equal(t, []Status{StatusFetching, StatusFresh, StatusFresh}, statuses)
}

func TestSubscription_CancelClosesUpdates(t *testing.T) {
	s := New(Config{})
	sub := s.Subscribe(Key{Resource: "workflows"})
	sub.Cancel()
	sub.Cancel() // idempotent

	_, ok := <-sub.Updates()
	assert.False(t, ok)

	// Publishing after cancel must not panic or block.
	s.ApplyDelta(Key{Resource: "workflows"}, map[string]any{"a": 1})
}

func TestStore_Subscribe_SlowConsumerSeesLatest(t *testing.T) {
	s := New(Config{})
	key := Key{Resource: "workflows"}
	sub := s.Subscribe(key)
	defer sub.Cancel()

	for i := 0; i < subscriptionBuffer*3; i++ {
		s.ApplyDelta(key, map[string]any{"i": i})
	}

	var last Entry
	for {
		select {
		case e := <-sub.Updates():
			last = e
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriptionBuffer*3-1, last.Value["i"])
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "workflows", Key{Resource: "workflows"}.String())
	assert.Equal(t, "workflows/wf-1", Key{Resource: "workflows", ID: "wf-1"}.String())
}
