package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/run"
)

func snapshot(runID string, seq uint64, status run.Status) run.Snapshot {
	r := run.New(runID, "rv-1", "u-1", run.DefaultConfig())
	r.Status = status
	r.StepsCount = int(seq)
	return r.Snapshot(seq, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	_, err := NewMemoryStore().LoadRunSnapshot(context.Background(), "missing")
	if !errors.HasCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.SaveRunSnapshot(ctx, "r1", snapshot("r1", 4, run.StatusInProgress)); err != nil {
		t.Fatal(err)
	}
	got, err := store.LoadRunSnapshot(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 4 || got.Run.Status != run.StatusInProgress {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestPersister_DebounceCoalescesUpdates(t *testing.T) {
	store := NewMemoryStore()
	p := NewPersister(store, Config{Debounce: 50 * time.Millisecond}, nil, nil)
	defer p.Close(context.Background())

	for i := uint64(1); i <= 10; i++ {
		p.Update(snapshot("r1", i, run.StatusInProgress))
	}
	waitFor(t, func() bool { return store.Saves("r1") > 0 })
	time.Sleep(120 * time.Millisecond)

	if got := store.Saves("r1"); got != 1 {
		t.Fatalf("expected 1 write for 10 rapid updates, got %d", got)
	}
	s, _ := store.LoadRunSnapshot(context.Background(), "r1")
	if s.Seq != 10 {
		t.Errorf("expected last update to win, got seq %d", s.Seq)
	}
}

func TestPersister_FinalizeSupersedesPending(t *testing.T) {
	store := NewMemoryStore()
	p := NewPersister(store, Config{Debounce: time.Hour}, nil, nil)
	defer p.Close(context.Background())

	p.Update(snapshot("r1", 1, run.StatusInProgress))
	if err := p.FinalizeRun(context.Background(), snapshot("r1", 2, run.StatusCompleted)); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}
	s, err := p.Load(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Final || s.Run.Status != run.StatusCompleted {
		t.Errorf("expected final completed snapshot, got %+v", s)
	}
	if store.Saves("r1") != 1 {
		t.Errorf("expected only the final write, got %d", store.Saves("r1"))
	}
}

// blockingStore holds every save until release is closed.
type blockingStore struct {
	*MemoryStore
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) SaveRunSnapshot(ctx context.Context, runID string, s run.Snapshot) error {
	<-b.release
	return b.MemoryStore.SaveRunSnapshot(context.Background(), runID, s)
}

func (b *blockingStore) unblock() { b.once.Do(func() { close(b.release) }) }

func TestPersister_FinalizeTimeout(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	defer store.unblock()
	p := NewPersister(store, Config{FinalizeTimeout: 120 * time.Millisecond, PollInterval: 10 * time.Millisecond}, nil, nil)

	start := time.Now()
	err := p.FinalizeRun(context.Background(), snapshot("r1", 1, run.StatusFailed))
	if !errors.HasCode(err, errors.ErrCodeFinalizeTimeout) {
		t.Fatalf("expected FINALIZE_TIMEOUT, got %v", err)
	}
	if waited := time.Since(start); waited < 100*time.Millisecond {
		t.Errorf("returned too early after %v", waited)
	}
	appErr, _ := errors.AsAppError(err)
	if appErr.Details["pending"] != int64(1) {
		t.Errorf("expected one pending write, got %v", appErr.Details["pending"])
	}

	store.unblock()
	waitFor(t, func() bool { return store.Saves("r1") == 1 })
}

type failingStore struct{ *MemoryStore }

func (failingStore) SaveRunSnapshot(context.Context, string, run.Snapshot) error {
	return errors.DatabaseError(nil)
}

func TestPersister_FinalizeReportsWriteError(t *testing.T) {
	p := NewPersister(failingStore{NewMemoryStore()}, Config{PollInterval: 5 * time.Millisecond}, nil, nil)
	err := p.FinalizeRun(context.Background(), snapshot("r1", 1, run.StatusCompleted))
	if !errors.HasCode(err, errors.ErrCodeDatabaseError) {
		t.Errorf("expected DATABASE_ERROR, got %v", err)
	}
}

func TestPersister_DropsStaleSnapshot(t *testing.T) {
	store := NewMemoryStore()
	p := NewPersister(store, Config{}, nil, nil)
	ctx := context.Background()
	w := &writer{}

	if err := p.save(ctx, w, snapshot("r1", 5, run.StatusInProgress)); err != nil {
		t.Fatal(err)
	}
	if err := p.save(ctx, w, snapshot("r1", 3, run.StatusInProgress)); err != nil {
		t.Fatal(err)
	}
	s, _ := store.LoadRunSnapshot(ctx, "r1")
	if s.Seq != 5 || store.Saves("r1") != 1 {
		t.Errorf("stale snapshot must not overwrite, got seq %d after %d saves", s.Seq, store.Saves("r1"))
	}
}

func TestPersister_CloseFlushesPending(t *testing.T) {
	store := NewMemoryStore()
	p := NewPersister(store, Config{Debounce: time.Hour}, nil, nil)
	p.Update(snapshot("r1", 7, run.StatusPaused))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if store.Saves("r1") != 1 {
		t.Errorf("expected pending snapshot flushed on close, got %d writes", store.Saves("r1"))
	}
}

func TestNotifier_ThrottlesAndPublishesFinal(t *testing.T) {
	bus := events.NewRecorder()
	n := NewNotifier(bus, time.Hour, nil)
	defer n.Close()

	n.Notify(snapshot("r1", 1, run.StatusInProgress))
	waitFor(t, func() bool { return len(bus.Events(events.TopicRunProgress)) == 1 })
	for i := uint64(2); i <= 5; i++ {
		n.Notify(snapshot("r1", i, run.StatusInProgress))
	}
	time.Sleep(30 * time.Millisecond)
	if got := len(bus.Events(events.TopicRunProgress)); got != 1 {
		t.Fatalf("expected throttled to 1 event, got %d", got)
	}

	n.Final(context.Background(), snapshot("r1", 6, run.StatusCompleted))
	evs := bus.Events(events.TopicRunProgress)
	if len(evs) != 2 {
		t.Fatalf("expected final event, got %d events", len(evs))
	}
	last := evs[1].Data
	if last["final"] != true || last["status"] != string(run.StatusCompleted) || last["run_id"] != "r1" {
		t.Errorf("unexpected final payload %v", last)
	}
}
