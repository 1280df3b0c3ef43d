package imap

import (
	"log/slog"

	"github.com/XueJourney/mail-agent/internal/config"
	"github.com/XueJourney/mail-agent/internal/ingest"
)

// Orchestrator runs one watcher per configured account. Watchers are
// independent; a fault in one never reaches another.
type Orchestrator struct {
	watchers []*Watcher
	logger   *slog.Logger
}

// NewOrchestrator builds a watcher for every account.
func NewOrchestrator(accounts []config.Account, dial DialFunc, store Store, norm *ingest.Normalizer, opts Options, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		logger: logger.With("component", "orchestrator"),
	}
	for _, acc := range accounts {
		o.watchers = append(o.watchers, NewWatcher(acc, dial, store, norm, opts, logger))
	}
	return o
}

// StartAll starts every watcher concurrently.
func (o *Orchestrator) StartAll() {
	o.logger.Info("starting watchers", "count", len(o.watchers))
	for _, w := range o.watchers {
		w.Start()
	}
}

// StopAll requests stop on every watcher and waits until each run loop
// has acknowledged before returning.
func (o *Orchestrator) StopAll() {
	o.logger.Info("stopping all watchers")
	for _, w := range o.watchers {
		w.Stop()
	}
	for _, w := range o.watchers {
		<-w.Done()
	}
	o.logger.Info("all watchers stopped")
}

// Watchers exposes the managed watchers for observability.
func (o *Orchestrator) Watchers() []*Watcher {
	return o.watchers
}
