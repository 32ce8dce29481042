package database

import (
	"time"
)

// RunSnapshotRecord is one row of run_snapshots: the latest snapshot of a
// run, encoded as JSON in Data.
type RunSnapshotRecord struct {
	RunID      string     `gorm:"column:run_id;primaryKey"`
	Seq        uint64     `gorm:"column:seq;not null"`
	Status     string     `gorm:"column:status;not null;index:idx_run_snapshots_status"`
	Final      bool       `gorm:"column:final;not null"`
	Data       []byte     `gorm:"column:data;not null"`
	TakenAt    time.Time  `gorm:"column:taken_at;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	ArchivedAt *time.Time `gorm:"column:archived_at"`
}

// TableName implements gorm's Tabler.
func (RunSnapshotRecord) TableName() string { return "run_snapshots" }
