package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/kbukum/runkit/component"
	apperrors "github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/run"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := Config{Enabled: true, DSN: filepath.Join(t.TempDir(), "runs.db"), LogLevel: "silent"}
	db, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func snapshot(runID string, seq uint64, status run.Status) run.Snapshot {
	r := run.New(runID, "rv-1", "u-1", run.DefaultConfig())
	r.Status = status
	r.StepsCount = int(seq)
	return r.Snapshot(seq, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, dirty, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d dirty=%v", version, dirty)
	}
}

func TestSnapshotStore_RoundTrip(t *testing.T) {
	store := NewSnapshotStore(openTestDB(t))
	ctx := context.Background()

	if _, err := store.LoadRunSnapshot(ctx, "r1"); !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if err := store.SaveRunSnapshot(ctx, "r1", snapshot("r1", seq, run.StatusInProgress)); err != nil {
			t.Fatalf("save seq %d: %v", seq, err)
		}
	}
	got, err := store.LoadRunSnapshot(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Seq != 3 || got.Run.StepsCount != 3 || got.RunID != "r1" {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestSnapshotStore_KeepsHighestSequence(t *testing.T) {
	store := NewSnapshotStore(openTestDB(t))
	ctx := context.Background()

	_ = store.SaveRunSnapshot(ctx, "r1", snapshot("r1", 8, run.StatusPaused))
	if err := store.SaveRunSnapshot(ctx, "r1", snapshot("r1", 2, run.StatusInProgress)); err != nil {
		t.Fatalf("stale save should be a no-op, got %v", err)
	}
	got, _ := store.LoadRunSnapshot(ctx, "r1")
	if got.Seq != 8 || got.Run.Status != run.StatusPaused {
		t.Errorf("stale snapshot overwrote newer one: seq %d status %s", got.Seq, got.Run.Status)
	}
}

func TestSnapshotStore_Archive(t *testing.T) {
	db := openTestDB(t)
	store := NewSnapshotStore(db)
	ctx := context.Background()

	_ = store.SaveRunSnapshot(ctx, "r1", snapshot("r1", 1, run.StatusInProgress))
	if err := store.ArchiveRun(ctx, "r1"); !apperrors.HasCode(err, apperrors.ErrCodeConflict) {
		t.Fatalf("expected CONFLICT archiving an unfinished run, got %v", err)
	}
	if err := store.ArchiveRun(ctx, "missing"); !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	_ = store.SaveRunSnapshot(ctx, "r1", snapshot("r1", 2, run.StatusCompleted))
	if err := store.ArchiveRun(ctx, "r1"); err != nil {
		t.Fatalf("ArchiveRun: %v", err)
	}
	if err := store.ArchiveRun(ctx, "r1"); err != nil {
		t.Errorf("second ArchiveRun should be a no-op, got %v", err)
	}
	if err := store.SaveRunSnapshot(ctx, "r1", snapshot("r1", 3, run.StatusCompleted)); !apperrors.HasCode(err, apperrors.ErrCodeConflict) {
		t.Errorf("expected CONFLICT saving over an archived run, got %v", err)
	}

	got, err := store.LoadRunSnapshot(ctx, "r1")
	if err != nil || got.Seq != 2 {
		t.Errorf("archived snapshot must stay loadable, got seq %d, %v", got.Seq, err)
	}
	var count int64
	db.GormDB.Model(&RunSnapshotRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("expected archived row kept, got %d rows", count)
	}
}

func TestSnapshotStore_ListRunIDs(t *testing.T) {
	store := NewSnapshotStore(openTestDB(t))
	ctx := context.Background()
	statuses := []run.Status{run.StatusPaused, run.StatusInProgress, run.StatusCompleted, run.StatusPaused}
	for i, st := range statuses {
		id := fmt.Sprintf("r%d", i)
		if err := store.SaveRunSnapshot(ctx, id, snapshot(id, 1, st)); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.ArchiveRun(ctx, "r2")

	tests := []struct {
		name     string
		statuses []run.Status
		want     []string
	}{
		{"paused", []run.Status{run.StatusPaused}, []string{"r0", "r3"}},
		{"resumable", []run.Status{run.StatusPaused, run.StatusInProgress}, []string{"r0", "r1", "r3"}},
		{"all unarchived", nil, []string{"r0", "r1", "r3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRunIDs(ctx, tt.statuses...)
			if err != nil {
				t.Fatal(err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDB_WithTransactionRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	err := db.WithTransaction(ctx, func(tx *gorm.DB) error {
		rec := RunSnapshotRecord{RunID: "tx", Seq: 1, Status: "InProgress", Data: []byte("{}"), TakenAt: time.Now()}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}
	var count int64
	db.GormDB.Model(&RunSnapshotRecord{}).Where("run_id = ?", "tx").Count(&count)
	if count != 0 {
		t.Errorf("expected rollback, found %d rows", count)
	}
}

func TestFromDatabase(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      apperrors.ErrorCode
		retryable bool
	}{
		{"not found", gorm.ErrRecordNotFound, apperrors.ErrCodeNotFound, false},
		{"duplicate", gorm.ErrDuplicatedKey, apperrors.ErrCodeConflict, false},
		{"locked", fmt.Errorf("database is locked"), apperrors.ErrCodeDatabaseError, true},
		{"syntax", fmt.Errorf("near \"SELEC\": syntax error"), apperrors.ErrCodeDatabaseError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromDatabase(tt.err, "run snapshot", "r1")
			if got.Code != tt.code || got.Retryable != tt.retryable {
				t.Errorf("got %s retryable=%v, want %s retryable=%v", got.Code, got.Retryable, tt.code, tt.retryable)
			}
		})
	}
	if FromDatabase(nil, "x", "") != nil {
		t.Error("expected nil for nil error")
	}
}

func TestComponent_Lifecycle(t *testing.T) {
	comp := NewComponent(Config{
		Enabled:     true,
		DSN:         filepath.Join(t.TempDir(), "runs.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	}, nil)
	ctx := context.Background()

	if h := comp.Health(ctx); h.Status != component.StatusUnhealthy {
		t.Errorf("expected unhealthy before start, got %s", h.Status)
	}
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h := comp.Health(ctx); h.Status != component.StatusHealthy {
		t.Errorf("expected healthy, got %s (%s)", h.Status, h.Message)
	}
	if !comp.DB().GormDB.Migrator().HasTable(&RunSnapshotRecord{}) {
		t.Error("expected run_snapshots table after auto-migrate")
	}
	if err := comp.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"missing dsn", Config{Enabled: true}, true},
		{"idle above open", Config{Enabled: true, DSN: "x.db", MaxOpenConns: 1, MaxIdleConns: 2}, true},
		{"bad log level", Config{Enabled: true, DSN: "x.db", LogLevel: "loud"}, true},
		{"valid", Config{Enabled: true, DSN: "x.db"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.ApplyDefaults()
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
