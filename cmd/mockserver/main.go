// mockserver is the development stand-in for the real backend: it serves the
// pull endpoints under /api and a websocket event stream on /api/stream, and
// mutates its fixture data on a ticker so that deltas actually flow.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type config struct {
	Addr        string        `env:"ADDR" envDefault:"localhost:8080"`
	MutateEvery time.Duration `env:"MUTATE_EVERY" envDefault:"2s"`
}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	s := newServer()

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/api/stream").HandlerFunc(s.stream)
	r.Methods(http.MethodGet).Path("/api/{resource}").HandlerFunc(s.getCollection)
	r.Methods(http.MethodGet).Path("/api/{resource}/{id}").HandlerFunc(s.getItem)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.mutateContinuously(ctx, cfg.MutateEvery)
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	s.closeStreams()

	wg.Wait()
	return nil
}

type server struct {
	upgrader websocket.Upgrader

	mu          sync.Mutex
	collections map[string][]map[string]any
	conns       map[*websocket.Conn]struct{}
	tick        int
}

func newServer() *server {
	return &server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		collections: map[string][]map[string]any{
			"workflows": {
				{"id": "wf-1", "name": "daily pacing report", "status": "active", "progress": float64(0)},
				{"id": "wf-2", "name": "creative refresh", "status": "draft", "progress": float64(0)},
			},
			"campaigns": {
				{"id": "cmp-1", "name": "spring launch", "status": "active", "spent": float64(1200)},
				{"id": "cmp-2", "name": "retargeting", "status": "paused", "spent": float64(400)},
			},
			"projects":   {{"id": "prj-1", "name": "migration"}},
			"agents":     {{"id": "agt-1", "name": "pacing agent", "status": "active"}},
			"connectors": {{"id": "con-1", "name": "dsp bridge", "status": "active"}},
			"reports":    {{"id": "rep-1", "name": "weekly summary"}},
			"templates":  {{"id": "tpl-1", "name": "blank workflow"}},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *server) getCollection(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	// Encode while holding the lock so the mutation ticker cannot change a
	// payload mid-write.
	s.mu.Lock()
	defer s.mu.Unlock()
	switch vars["resource"] {
	case "health":
		s.writeJSON(writer, map[string]any{"status": "ok"})
		return
	case "dashboard":
		s.writeJSON(writer, map[string]any{
			"campaigns":  s.collections["campaigns"],
			"executions": s.collections["workflows"],
		})
		return
	}
	items, ok := s.collections[vars["resource"]]
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	s.writeJSON(writer, map[string]any{"items": items})
}

func (s *server) getItem(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.collections[vars["resource"]] {
		if item["id"] == vars["id"] {
			s.writeJSON(writer, item)
			return
		}
	}
	writer.WriteHeader(http.StatusNotFound)
}

func (s *server) writeJSON(writer http.ResponseWriter, payload any) {
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *server) stream(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	slog.Info("stream client connected", "remote", conn.RemoteAddr())

	// The stream is one-way: drain the connection until the client leaves.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	slog.Info("stream client disconnected", "remote", conn.RemoteAddr())
}

// mutateContinuously advances workflow progress and campaign spend on a
// ticker and broadcasts the corresponding delta frames.
func (s *server) mutateContinuously(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.mu.Lock()
			s.tick++
			wf := s.collections["workflows"][s.tick%len(s.collections["workflows"])]
			wf["progress"] = wf["progress"].(float64) + 5
			cmp := s.collections["campaigns"][s.tick%len(s.collections["campaigns"])]
			cmp["spent"] = cmp["spent"].(float64) + 25
			frames := [][]byte{
				s.frame("workflow_update", wf),
				s.frame("campaign_update", cmp),
			}
			conns := make([]*websocket.Conn, 0, len(s.conns))
			for conn := range s.conns {
				conns = append(conns, conn)
			}
			s.mu.Unlock()

			for _, conn := range conns {
				for _, frame := range frames {
					if frame == nil {
						continue
					}
					if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						slog.Error("failed to write frame", "err", err)
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) frame(event string, data map[string]any) []byte {
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		slog.Error("failed to encode frame", "event", event, "err", err)
		return nil
	}
	return raw
}

func (s *server) closeStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
