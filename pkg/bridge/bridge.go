// Package bridge maintains the persistent inbound event stream and applies
// decoded deltas into the cache. Push is a best-effort low-latency
// supplement: missed events are never replayed, the refetch scheduler
// reconciles any gaps after a reconnect.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/astromechza/syncstate/pkg/api"
	"github.com/astromechza/syncstate/pkg/cache"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Route maps an inbound event name onto the cache key its payload targets.
// The id field is read from the payload; an empty IDField routes to the
// collection-level key for the resource.
type Route struct {
	Resource string
	IDField  string
}

type Config struct {
	// URL of the websocket stream.
	URL string
	// Routes by event name. Frames with event names outside this table are
	// ignored without error.
	Routes map[string]Route
	// RetryAfter is the pause before redialling a lost connection.
	RetryAfter time.Duration
	Dialer     *websocket.Dialer
}

type Bridge struct {
	cfg   Config
	store *cache.Store

	mu    sync.Mutex
	state State
}

func New(store *cache.Store, cfg Config) *Bridge {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Bridge{cfg: cfg, store: store, state: StateDisconnected}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Run dials the stream and processes frames until ctx is cancelled,
// redialling after RetryAfter whenever the transport drops. Deltas are
// applied synchronously in receipt order, one ApplyDelta per valid frame.
func (b *Bridge) Run(ctx context.Context) {
	for {
		b.setState(StateConnecting)
		conn, _, err := b.cfg.Dialer.DialContext(ctx, b.cfg.URL, nil)
		if err != nil {
			b.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to dial stream", "url", b.cfg.URL, "err", &api.TransportError{Err: err})
		} else {
			b.setState(StateConnected)
			b.readLoop(ctx, conn)
			b.setState(StateDisconnected)
		}
		select {
		case <-time.After(b.cfg.RetryAfter):
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("stream read failed", "err", err)
			}
			return
		}
		b.handleFrame(raw)
	}
}

// handleFrame decodes one frame and applies its delta. Any malformed frame
// is dropped with a log line and the stream carries on: a single bad event
// must never tear the connection down.
func (b *Bridge) handleFrame(raw []byte) {
	name := gjson.GetBytes(raw, "event")
	if name.Type != gjson.String {
		b.drop(raw, fmt.Errorf("missing event name"))
		return
	}
	route, ok := b.cfg.Routes[name.String()]
	if !ok {
		return
	}
	data := gjson.GetBytes(raw, "data")
	if !data.IsObject() {
		b.drop(raw, fmt.Errorf("event %q data is not an object", name.String()))
		return
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(data.Raw), &patch); err != nil {
		b.drop(raw, err)
		return
	}
	key := cache.Key{Resource: route.Resource}
	if route.IDField != "" {
		id, ok := patch[route.IDField].(string)
		if !ok || id == "" {
			b.drop(raw, fmt.Errorf("event %q payload has no %s field", name.String(), route.IDField))
			return
		}
		key.ID = id
	}
	b.store.ApplyDelta(key, patch)
}

func (b *Bridge) drop(raw []byte, err error) {
	slog.Warn("dropping malformed frame", "len", len(raw), "err", &api.DecodeError{Err: err})
}

func (b *Bridge) setState(state State) {
	b.mu.Lock()
	prev := b.state
	b.state = state
	b.mu.Unlock()
	if prev != state {
		slog.Info("stream state changed", "from", prev, "to", state)
	}
}
