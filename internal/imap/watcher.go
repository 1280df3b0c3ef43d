package imap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XueJourney/mail-agent/internal/config"
	"github.com/XueJourney/mail-agent/internal/ingest"
	"github.com/XueJourney/mail-agent/pkg/models"
)

// State is the observable lifecycle state of a watcher.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncingFull
	StateSyncingIncremental
	StateIdle
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncingFull:
		return "syncing-full"
	case StateSyncingIncremental:
		return "syncing-incremental"
	case StateIdle:
		return "idle"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Store is the slice of the message store a watcher writes through.
type Store interface {
	InsertIfAbsent(ctx context.Context, e *models.Email) (bool, error)
	LatestUID(ctx context.Context, account string) (uint32, error)
}

// Options tunes the watcher's reconnect and sync behaviour.
type Options struct {
	// RenewInterval bounds how long a connection idles before it is
	// proactively cycled; must stay under the server's idle-drop timeout.
	RenewInterval time.Duration
	// ReconnectMin/ReconnectMax bound the exponential backoff window.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// IncrementalCount is the recent-message window fetched on a
	// new-mail signal.
	IncrementalCount uint32
}

func (o *Options) fillDefaults() {
	if o.RenewInterval <= 0 {
		o.RenewInterval = 20 * time.Minute
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 5 * time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 5 * time.Minute
	}
	if o.IncrementalCount == 0 {
		o.IncrementalCount = 50
	}
}

// Watcher keeps one account's INBOX continuously synchronized into the
// store, reconnecting forever until stopped.
type Watcher struct {
	account config.Account
	dial    DialFunc
	store   Store
	norm    *ingest.Normalizer
	opts    Options
	logger  *slog.Logger

	state    atomic.Int32
	fetching atomic.Bool

	mu      sync.Mutex
	lastErr error

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher; it does nothing until Start.
func NewWatcher(acc config.Account, dial DialFunc, store Store, norm *ingest.Normalizer, opts Options, logger *slog.Logger) *Watcher {
	opts.fillDefaults()
	return &Watcher{
		account: acc,
		dial:    dial,
		store:   store,
		norm:    norm,
		opts:    opts,
		logger:  logger.With("account", acc.Label),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the watcher's run loop.
func (w *Watcher) Start() {
	go w.run()
}

// Stop requests a cooperative shutdown; idempotent. An in-progress fetch
// finishes naturally. Done is closed once the run loop has exited.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed when the run loop has fully exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// LastErr returns the most recent fault, nil if none.
func (w *Watcher) LastErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Account returns the label of the watched account.
func (w *Watcher) Account() string {
	return w.account.Label
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.logger.Error("connection fault", "error", err)
}

func (w *Watcher) run() {
	defer close(w.done)

	delay := w.opts.ReconnectMin
	for {
		select {
		case <-w.stopCh:
			w.setState(StateStopped)
			return
		default:
		}

		w.setState(StateConnecting)
		sess, err := w.dial(context.Background(), w.account)
		if err != nil {
			w.fail(err)
			if !w.sleepBackoff(&delay) {
				w.setState(StateStopped)
				return
			}
			continue
		}

		// Any successful connection resets the backoff to its floor
		delay = w.opts.ReconnectMin
		w.logger.Info("connected")

		stopped, err := w.session(sess)
		if err := sess.Logout(); err != nil {
			w.logger.Debug("logout failed", "error", err)
		}
		w.setState(StateDisconnected)

		if stopped {
			w.setState(StateStopped)
			return
		}
		if err == nil {
			// Proactive renewal: reconnect immediately, no backoff
			continue
		}

		w.fail(err)
		if !w.sleepBackoff(&delay) {
			w.setState(StateStopped)
			return
		}
	}
}

// session drives one connected session: a full sync, then idle waits
// with incremental syncs, until stop, renewal or a fault.
func (w *Watcher) session(sess Session) (stopped bool, err error) {
	ctx := context.Background()

	w.setState(StateSyncingFull)
	since, err := w.store.LatestUID(ctx, w.account.Label)
	if err != nil {
		return false, fmt.Errorf("watermark: %w", err)
	}
	msgs, err := sess.FetchSince(ctx, since)
	if err != nil {
		return false, fmt.Errorf("full sync: %w", err)
	}
	w.logger.Info("full sync", "since_uid", since, "fetched", len(msgs))
	w.ingestBatch(msgs)

	for {
		w.setState(StateIdle)
		res, err := sess.Wait(w.stopCh, w.opts.RenewInterval)
		if err != nil {
			return false, err
		}

		switch res {
		case WaitStopped:
			return true, nil

		case WaitRenew:
			w.logger.Debug("cycling connection before server idle timeout")
			return false, nil

		case WaitNewMail:
			if !w.fetching.CompareAndSwap(false, true) {
				// A fetch is already in flight and will observe the new
				// mail itself; the signal is safe to drop.
				continue
			}
			w.setState(StateSyncingIncremental)
			msgs, err := sess.FetchRecent(ctx, w.opts.IncrementalCount)
			w.fetching.Store(false)
			if err != nil {
				return false, fmt.Errorf("incremental sync: %w", err)
			}
			w.ingestBatch(msgs)
		}
	}
}

// ingestBatch normalizes and stores fetched messages. A message that
// fails to decode is skipped, never aborting the batch.
func (w *Watcher) ingestBatch(msgs []ingest.Fetched) {
	var stored int
	for _, f := range msgs {
		rec, err := w.norm.FromIMAP(w.account.Label, f)
		if err != nil {
			w.logger.Warn("skipping undecodable message", "uid", f.UID, "error", err)
			continue
		}
		wasNew, err := w.store.InsertIfAbsent(context.Background(), rec)
		if err != nil {
			w.logger.Error("failed to store message", "uid", f.UID, "error", err)
			continue
		}
		if wasNew {
			stored++
		}
	}
	if stored > 0 {
		w.logger.Info("stored new messages", "count", stored)
	}
}

// sleepBackoff waits out the current delay and doubles it for the next
// consecutive failure, capped at the ceiling. Returns false when stop
// ended the wait.
func (w *Watcher) sleepBackoff(delay *time.Duration) bool {
	w.setState(StateBackoff)
	w.logger.Info("reconnecting after backoff", "delay", *delay)

	timer := time.NewTimer(*delay)
	defer timer.Stop()

	*delay = nextDelay(*delay, w.opts.ReconnectMax)

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}
