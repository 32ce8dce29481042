package persist

import (
	"context"
	"sync"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/run"
)

// SnapshotStore is durable storage for run snapshots. LoadRunSnapshot
// returns NOT_FOUND for an unknown run.
type SnapshotStore interface {
	SaveRunSnapshot(ctx context.Context, runID string, s run.Snapshot) error
	LoadRunSnapshot(ctx context.Context, runID string) (run.Snapshot, error)
}

// MemoryStore keeps encoded snapshots in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	saves map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), saves: make(map[string]int)}
}

// SaveRunSnapshot implements SnapshotStore.
func (m *MemoryStore) SaveRunSnapshot(ctx context.Context, runID string, s run.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := run.EncodeSnapshot(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[runID] = data
	m.saves[runID]++
	return nil
}

// LoadRunSnapshot implements SnapshotStore.
func (m *MemoryStore) LoadRunSnapshot(ctx context.Context, runID string) (run.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return run.Snapshot{}, err
	}
	m.mu.RLock()
	data, ok := m.data[runID]
	m.mu.RUnlock()
	if !ok {
		return run.Snapshot{}, errors.NotFound("run snapshot", runID)
	}
	return run.DecodeSnapshot(data)
}

// Saves reports how many times runID was written.
func (m *MemoryStore) Saves(runID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves[runID]
}
