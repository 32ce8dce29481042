package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/persist"
	"github.com/kbukum/runkit/run"
)

const maxWatchRetries = 5

// SnapshotStore implements persist.SnapshotStore on Redis. A save never
// replaces a snapshot with a higher sequence number, so concurrent writers
// for one run cannot move it backwards.
type SnapshotStore struct {
	client *Client
	typed  *TypedStore[run.Snapshot]
	// finalTTL expires snapshots of finished runs; zero keeps them.
	finalTTL time.Duration
}

var _ persist.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore under keyPrefix.
func NewSnapshotStore(client *Client, keyPrefix string, finalTTL time.Duration) *SnapshotStore {
	return &SnapshotStore{
		client:   client,
		typed:    NewTypedStore[run.Snapshot](client, keyPrefix),
		finalTTL: finalTTL,
	}
}

// SaveRunSnapshot implements persist.SnapshotStore.
func (s *SnapshotStore) SaveRunSnapshot(ctx context.Context, runID string, snap run.Snapshot) error {
	data, err := run.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	ttl := time.Duration(0)
	if snap.Final {
		ttl = s.finalTTL
	}
	key := s.typed.fullKey(runID)

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != goredis.Nil {
			return err
		}
		if err == nil {
			prev, decErr := run.DecodeSnapshot(current)
			if decErr == nil && prev.Seq > snap.Seq {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.rdb.Watch(ctx, txf, key)
		if err != goredis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return errors.DatabaseError(err).WithDetail("run_id", runID)
	}
	return nil
}

// LoadRunSnapshot implements persist.SnapshotStore.
func (s *SnapshotStore) LoadRunSnapshot(ctx context.Context, runID string) (run.Snapshot, error) {
	snap, err := s.typed.Load(ctx, runID)
	if err != nil {
		return run.Snapshot{}, errors.DatabaseError(err).WithDetail("run_id", runID)
	}
	if snap == nil {
		return run.Snapshot{}, errors.NotFound("run snapshot", runID)
	}
	if snap.Run == nil {
		return run.Snapshot{}, errors.DatabaseError(nil).WithDetail("reason", "run snapshot has no run")
	}
	return *snap, nil
}

// DeleteRunSnapshot removes runID's snapshot.
func (s *SnapshotStore) DeleteRunSnapshot(ctx context.Context, runID string) error {
	if err := s.typed.Delete(ctx, runID); err != nil {
		return errors.DatabaseError(err).WithDetail("run_id", runID)
	}
	return nil
}
