// Package database stores run snapshots in a SQL database through GORM.
//
// DB wraps a GORM connection with retrying open, engine logging and
// transaction helpers. Component opens it inside a component.Registry and
// applies the embedded schema migrations. SnapshotStore implements
// persist.SnapshotStore on the run_snapshots table:
//
//	comp := database.NewComponent(database.Config{Enabled: true, DSN: "runs.db"}, log)
//	_ = registry.Register(comp)
//	// after StartAll
//	store := database.NewSnapshotStore(comp.DB())
//
// Rows are archived, never hard-deleted, so a finished run's last snapshot
// stays available for audit.
package database
