package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/XueJourney/mail-agent/internal/config"
	"github.com/XueJourney/mail-agent/internal/ingest"
	"github.com/XueJourney/mail-agent/pkg/models"
)

// fakeSession implements Session for driving the watcher state machine
// with synthetic signals.
type fakeSession struct {
	fetchSinceFunc  func(sinceUID uint32) ([]ingest.Fetched, error)
	fetchRecentFunc func(count uint32) ([]ingest.Fetched, error)
	waitResults     chan WaitResult
	logouts         atomic.Int32
}

func (s *fakeSession) FetchSince(ctx context.Context, sinceUID uint32) ([]ingest.Fetched, error) {
	if s.fetchSinceFunc != nil {
		return s.fetchSinceFunc(sinceUID)
	}
	return nil, nil
}

func (s *fakeSession) FetchRecent(ctx context.Context, count uint32) ([]ingest.Fetched, error) {
	if s.fetchRecentFunc != nil {
		return s.fetchRecentFunc(count)
	}
	return nil, nil
}

func (s *fakeSession) Wait(stop <-chan struct{}, renew time.Duration) (WaitResult, error) {
	select {
	case r := <-s.waitResults:
		return r, nil
	case <-stop:
		return WaitStopped, nil
	}
}

func (s *fakeSession) Logout() error {
	s.logouts.Add(1)
	return nil
}

// fakeStore is an in-memory store keyed by message_id.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*models.Email
	inserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*models.Email)}
}

func (s *fakeStore) InsertIfAbsent(ctx context.Context, e *models.Email) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[e.MessageID]; ok {
		return false, nil
	}
	s.records[e.MessageID] = e
	s.inserts++
	return true, nil
}

func (s *fakeStore) LatestUID(ctx context.Context, account string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint32
	for _, e := range s.records {
		if e.Account == account && e.UID.Valid && uint32(e.UID.Int64) > max {
			max = uint32(e.UID.Int64)
		}
	}
	return max, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		RenewInterval:    time.Minute,
		ReconnectMin:     time.Millisecond,
		ReconnectMax:     4 * time.Millisecond,
		IncrementalCount: 50,
	}
}

func envelopeMessage(uid uint32) ingest.Fetched {
	return ingest.Fetched{
		UID: uid,
		Envelope: &ingest.Envelope{
			MessageID: messageID(uid),
			Subject:   "test",
			Date:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			FromAddr:  "sender@example.com",
		},
	}
}

func messageID(uid uint32) string {
	return fmt.Sprintf("<m%d@example.com>", uid)
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stopAndWait(t *testing.T, w *Watcher) {
	t.Helper()
	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop in time")
	}
}

func TestNextDelay(t *testing.T) {
	max := 8 * time.Second
	cases := []struct {
		cur  time.Duration
		want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{4 * time.Second, 8 * time.Second},
		{8 * time.Second, 8 * time.Second}, // capped at the ceiling
	}
	for _, tc := range cases {
		if got := nextDelay(tc.cur, max); got != tc.want {
			t.Errorf("nextDelay(%v) = %v, want %v", tc.cur, got, tc.want)
		}
	}
}

func TestWatcherFullSyncWatermark(t *testing.T) {
	store := newFakeStore()
	seed := &models.Email{MessageID: "<seed@x>", Account: "work"}
	seed.UID.Int64, seed.UID.Valid = 42, true
	if _, err := store.InsertIfAbsent(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	sinceCh := make(chan uint32, 1)
	sess := &fakeSession{
		fetchSinceFunc: func(sinceUID uint32) ([]ingest.Fetched, error) {
			sinceCh <- sinceUID
			return nil, nil
		},
		waitResults: make(chan WaitResult),
	}
	dial := func(ctx context.Context, acc config.Account) (Session, error) { return sess, nil }

	w := NewWatcher(config.Account{Label: "work"}, dial, store, ingest.NewNormalizer(), fastOptions(), discardLogger())
	w.Start()
	defer stopAndWait(t, w)

	select {
	case since := <-sinceCh:
		if since != 42 {
			t.Errorf("full sync requested since uid %d, want watermark 42", since)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("full sync never ran")
	}
}

func TestWatcherSyncScenario(t *testing.T) {
	store := newFakeStore()

	sess := &fakeSession{
		fetchSinceFunc: func(sinceUID uint32) ([]ingest.Fetched, error) {
			if sinceUID != 0 {
				t.Errorf("first sync of a fresh account must request everything, got since=%d", sinceUID)
			}
			return []ingest.Fetched{envelopeMessage(10), envelopeMessage(11), envelopeMessage(12)}, nil
		},
		fetchRecentFunc: func(count uint32) ([]ingest.Fetched, error) {
			// The recent window re-observes 10-12 plus the new 13
			return []ingest.Fetched{envelopeMessage(10), envelopeMessage(11), envelopeMessage(12), envelopeMessage(13)}, nil
		},
		waitResults: make(chan WaitResult, 1),
	}
	dial := func(ctx context.Context, acc config.Account) (Session, error) { return sess, nil }

	w := NewWatcher(config.Account{Label: "work"}, dial, store, ingest.NewNormalizer(), fastOptions(), discardLogger())
	w.Start()
	defer stopAndWait(t, w)

	waitFor(t, 2*time.Second, "full sync to store 3 records", func() bool { return store.count() == 3 })

	uid, err := store.LatestUID(context.Background(), "work")
	if err != nil {
		t.Fatal(err)
	}
	if uid != 12 {
		t.Errorf("watermark after full sync = %d, want 12", uid)
	}

	// New-mail signal triggers an incremental sync; dedup absorbs the overlap
	sess.waitResults <- WaitNewMail
	waitFor(t, 2*time.Second, "incremental sync to store 1 new record", func() bool { return store.count() == 4 })

	store.mu.Lock()
	inserts := store.inserts
	store.mu.Unlock()
	if inserts != 4 {
		t.Errorf("total new inserts = %d, want 4", inserts)
	}
}

func TestWatcherPartialFailureIsolation(t *testing.T) {
	store := newFakeStore()

	bad := ingest.Fetched{UID: 11, Raw: []byte("this is not a header\r\n\r\n")}
	sess := &fakeSession{
		fetchSinceFunc: func(uint32) ([]ingest.Fetched, error) {
			return []ingest.Fetched{envelopeMessage(10), bad, envelopeMessage(12)}, nil
		},
		waitResults: make(chan WaitResult),
	}
	dial := func(ctx context.Context, acc config.Account) (Session, error) { return sess, nil }

	w := NewWatcher(config.Account{Label: "work"}, dial, store, ingest.NewNormalizer(), fastOptions(), discardLogger())
	w.Start()
	defer stopAndWait(t, w)

	waitFor(t, 2*time.Second, "good messages to be stored", func() bool { return store.count() == 2 })

	// The undecodable message was skipped, not fatal: the watcher idles on
	if got := store.count(); got != 2 {
		t.Errorf("stored %d records, want 2", got)
	}
}

func TestWatcherReconnectsWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context, acc config.Account) (Session, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}

	w := NewWatcher(config.Account{Label: "work"}, dial, newFakeStore(), ingest.NewNormalizer(), fastOptions(), discardLogger())
	w.Start()
	defer stopAndWait(t, w)

	waitFor(t, 2*time.Second, "repeated reconnect attempts", func() bool { return attempts.Load() >= 4 })

	if w.LastErr() == nil {
		t.Error("expected last error to be recorded")
	}
}

func TestWatcherRenewalCyclesWithoutFault(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, acc config.Account) (Session, error) {
		dials.Add(1)
		results := make(chan WaitResult, 1)
		results <- WaitRenew
		return &fakeSession{waitResults: results}, nil
	}

	w := NewWatcher(config.Account{Label: "work"}, dial, newFakeStore(), ingest.NewNormalizer(), fastOptions(), discardLogger())
	w.Start()
	defer stopAndWait(t, w)

	waitFor(t, 2*time.Second, "renewal reconnect cycles", func() bool { return dials.Load() >= 3 })

	// Proactive renewal is not a fault
	if err := w.LastErr(); err != nil {
		t.Errorf("renewal recorded an error: %v", err)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	sess := &fakeSession{waitResults: make(chan WaitResult)}
	dialed := make(chan struct{})
	dial := func(ctx context.Context, acc config.Account) (Session, error) {
		close(dialed)
		return sess, nil
	}

	w := NewWatcher(config.Account{Label: "work"}, dial, newFakeStore(), ingest.NewNormalizer(), fastOptions(), discardLogger())
	w.Start()

	select {
	case <-dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never dialed")
	}

	w.Stop()
	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	if w.State() != StateStopped {
		t.Errorf("state after stop = %s, want stopped", w.State())
	}
	if sess.logouts.Load() == 0 {
		t.Error("expected a best-effort logout on stop")
	}
}

func TestOrchestratorStopAll(t *testing.T) {
	dial := func(ctx context.Context, acc config.Account) (Session, error) {
		return &fakeSession{waitResults: make(chan WaitResult)}, nil
	}

	accounts := []config.Account{{Label: "one"}, {Label: "two"}, {Label: "three"}}
	o := NewOrchestrator(accounts, dial, newFakeStore(), ingest.NewNormalizer(), fastOptions(), discardLogger())
	o.StartAll()

	done := make(chan struct{})
	go func() {
		o.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAll did not return")
	}

	for _, w := range o.Watchers() {
		if w.State() != StateStopped {
			t.Errorf("watcher %s state = %s, want stopped", w.Account(), w.State())
		}
	}
}
