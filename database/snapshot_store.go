package database

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/persist"
	"github.com/kbukum/runkit/run"
)

const snapshotResource = "run snapshot"

// SnapshotStore implements persist.SnapshotStore on the run_snapshots
// table. It keeps one row per run, never moves a row to a lower sequence
// number and never deletes rows.
type SnapshotStore struct {
	db  *DB
	now func() time.Time
}

var _ persist.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore over db.
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db, now: time.Now}
}

// SaveRunSnapshot implements persist.SnapshotStore. Saving over an archived
// run is a CONFLICT.
func (s *SnapshotStore) SaveRunSnapshot(ctx context.Context, runID string, snap run.Snapshot) error {
	data, err := run.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	rec := RunSnapshotRecord{
		RunID:   runID,
		Seq:     snap.Seq,
		Status:  string(snap.Run.Status),
		Final:   snap.Final,
		Data:    data,
		TakenAt: snap.TakenAt,
	}

	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		var current RunSnapshotRecord
		err := tx.Select("seq", "archived_at").Where("run_id = ?", runID).Take(&current).Error
		switch {
		case err == nil:
			if current.ArchivedAt != nil {
				return apperrors.Conflict("run snapshot is archived").WithDetail("run_id", runID)
			}
			if current.Seq > snap.Seq {
				return nil
			}
		case !apperrors.Is(err, gorm.ErrRecordNotFound):
			return FromDatabase(err, snapshotResource, runID)
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"seq", "status", "final", "data", "taken_at", "updated_at"}),
		}).Create(&rec).Error
		if err != nil {
			return FromDatabase(err, snapshotResource, runID)
		}
		return nil
	})
}

// LoadRunSnapshot implements persist.SnapshotStore. Archived runs load too.
func (s *SnapshotStore) LoadRunSnapshot(ctx context.Context, runID string) (run.Snapshot, error) {
	var rec RunSnapshotRecord
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Take(&rec).Error; err != nil {
		return run.Snapshot{}, FromDatabase(err, snapshotResource, runID)
	}
	return run.DecodeSnapshot(rec.Data)
}

// ArchiveRun marks a finished run's snapshot archived. Archiving an
// unfinished run is a CONFLICT; archiving twice is a no-op.
func (s *SnapshotStore) ArchiveRun(ctx context.Context, runID string) error {
	var rec RunSnapshotRecord
	db := s.db.WithContext(ctx)
	if err := db.Select("run_id", "final", "archived_at").Where("run_id = ?", runID).Take(&rec).Error; err != nil {
		return FromDatabase(err, snapshotResource, runID)
	}
	if rec.ArchivedAt != nil {
		return nil
	}
	if !rec.Final {
		return apperrors.Conflict("only finished runs can be archived").WithDetail("run_id", runID)
	}
	err := db.Model(&RunSnapshotRecord{}).
		Where("run_id = ? AND archived_at IS NULL", runID).
		Update("archived_at", s.now()).Error
	if err != nil {
		return FromDatabase(err, snapshotResource, runID)
	}
	return nil
}

// ListRunIDs returns the ids of unarchived runs in any of statuses, oldest
// first. With no statuses it returns every unarchived run.
func (s *SnapshotStore) ListRunIDs(ctx context.Context, statuses ...run.Status) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&RunSnapshotRecord{}).Where("archived_at IS NULL")
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		q = q.Where("status IN ?", names)
	}
	var ids []string
	if err := q.Order("created_at, run_id").Pluck("run_id", &ids).Error; err != nil {
		return nil, FromDatabase(err, snapshotResource, "")
	}
	return ids, nil
}
