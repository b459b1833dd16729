package kubeconfig

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/kubelamp/kubelamp/internal/telemetry"
)

// Watcher polls kubeconfig sources for changes and re-syncs the store when a
// file is added, removed or rewritten. Connected UIs learn about the new
// cluster set through the event hub.
type Watcher struct {
	store    *Store
	hub      *telemetry.Hub
	logger   *slog.Logger
	interval time.Duration

	// last observed modification time per path; zero time means absent
	modTimes map[string]time.Time
}

func NewWatcher(store *Store, hub *telemetry.Hub, logger *slog.Logger, interval time.Duration) *Watcher {
	return &Watcher{
		store:    store,
		hub:      hub,
		logger:   logger,
		interval: interval,
		modTimes: make(map[string]time.Time),
	}
}

// Start blocks until ctx is cancelled, polling on the configured interval.
func (w *Watcher) Start(ctx context.Context) {
	w.snapshot() // establish a baseline so boot does not fire a spurious change

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				w.resync()
			}
		}
	}
}

func (w *Watcher) snapshot() {
	for _, path := range w.store.Paths() {
		w.modTimes[path] = modTime(path)
	}
}

func (w *Watcher) changed() bool {
	changed := false
	for _, path := range w.store.Paths() {
		mt := modTime(path)
		if !mt.Equal(w.modTimes[path]) {
			w.modTimes[path] = mt
			changed = true
		}
	}
	return changed
}

func (w *Watcher) resync() {
	added, removed, err := w.store.Refresh()
	if err != nil {
		w.logger.Error("Kubeconfig resync failed", slog.String("error", err.Error()))
		return
	}

	w.logger.Info("Kubeconfig changed",
		slog.Any("added", added),
		slog.Any("removed", removed),
	)

	for _, name := range added {
		w.hub.Broadcast(telemetry.TopicClusters, telemetry.Event{Kind: "added", Name: name})
	}
	for _, name := range removed {
		w.hub.Broadcast(telemetry.TopicClusters, telemetry.Event{Kind: "removed", Name: name})
	}
	// A rewrite that renames nothing still invalidates cached credentials.
	if len(added) == 0 && len(removed) == 0 {
		w.hub.Broadcast(telemetry.TopicClusters, telemetry.Event{Kind: "updated"})
	}
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
