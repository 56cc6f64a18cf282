// syncd runs the synchronization core against a backend: it keeps a set of
// cache keys fresh through scheduled refetches, applies push deltas from the
// event stream, and logs every cache update a UI would re-render on.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/astromechza/syncstate/pkg/api"
	"github.com/astromechza/syncstate/pkg/bridge"
	"github.com/astromechza/syncstate/pkg/cache"
	"github.com/astromechza/syncstate/pkg/notify"
	"github.com/astromechza/syncstate/pkg/prefs"
	"github.com/astromechza/syncstate/pkg/sched"
)

type config struct {
	APIURL               string        `env:"API_URL" envDefault:"http://localhost:8080/api"`
	StreamURL            string        `env:"STREAM_URL" envDefault:"ws://localhost:8080/api/stream"`
	PrefsPath            string        `env:"PREFS_PATH" envDefault:"syncstate.sqlite3"`
	RefetchInterval      time.Duration `env:"REFETCH_INTERVAL" envDefault:"30s"`
	FreshFor             time.Duration `env:"FRESH_FOR" envDefault:"30s"`
	StreamRetryAfter     time.Duration `env:"STREAM_RETRY_AFTER" envDefault:"5s"`
	NotificationLifetime time.Duration `env:"NOTIFICATION_LIFETIME" envDefault:"5s"`
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

	notifications := notify.New(cfg.NotificationLifetime)
	defer notifications.Close()

	preferences, err := prefs.Open(cfg.PrefsPath, "preferences", map[string]any{
		"theme":        "dark",
		"tableDensity": "comfortable",
	}, notifications)
	if err != nil {
		return fmt.Errorf("failed to open preferences: %w", err)
	}
	defer preferences.Close()
	slog.Info("loaded preferences",
		"theme", preferences.Get("theme", "dark"),
		"tableDensity", preferences.Get("tableDensity", "comfortable"))

	client, err := api.New(cfg.APIURL)
	if err != nil {
		return fmt.Errorf("failed to build api client: %w", err)
	}

	store := cache.New(cache.Config{
		FreshFor: cfg.FreshFor,
		ResourceFreshFor: map[string]time.Duration{
			"health": 10 * time.Second,
		},
	})

	scheduler := sched.New(store, sched.Config{
		Interval: cfg.RefetchInterval,
		ResourceInterval: map[string]time.Duration{
			"health": 10 * time.Second,
		},
	})
	defer scheduler.Close()

	b := bridge.New(store, bridge.Config{
		URL:        cfg.StreamURL,
		RetryAfter: cfg.StreamRetryAfter,
		Routes: map[string]bridge.Route{
			"workflow_update": {Resource: "workflows", IDField: "id"},
			"campaign_update": {Resource: "campaigns", IDField: "id"},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx)
	}()

	for _, key := range []cache.Key{
		{Resource: "dashboard"},
		{Resource: "workflows"},
		{Resource: "campaigns"},
		{Resource: "health"},
	} {
		detach := scheduler.Attach(key, client.Loader(key.Resource))
		defer detach()
		watchKey(ctx, wg, store, notifications, key)
	}
	watchKey(ctx, wg, store, notifications, cache.Key{Resource: "workflows", ID: "wf-1"})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-notifications.Updates():
				for _, n := range notifications.List() {
					slog.Info("notification", "id", n.ID, "severity", n.Severity, "message", n.Message)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	return nil
}

// watchKey mirrors what a UI reader does with a key: subscribe, observe
// every transition and delta, and surface fetch errors as notifications.
func watchKey(ctx context.Context, wg *sync.WaitGroup, store *cache.Store, notifications *notify.Store, key cache.Key) {
	sub := store.Subscribe(key)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer sub.Cancel()
		lastStatus := cache.StatusIdle
		for {
			select {
			case entry, ok := <-sub.Updates():
				if !ok {
					return
				}
				slog.Info("cache updated",
					"key", entry.Key.String(), "status", entry.Status, "fields", len(entry.Value))
				if entry.Status == cache.StatusError && lastStatus != cache.StatusError {
					notifications.Push(fmt.Sprintf("refresh of %s failed", entry.Key.String()), notify.SeverityError)
				}
				lastStatus = entry.Status
			case <-ctx.Done():
				return
			}
		}
	}()
}
