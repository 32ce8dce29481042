// Package run holds the mutable state of routine executions: Run, its
// Branches, their status machines, the persisted snapshot form and the
// versioned run configuration.
//
// A Run is owned by exactly one scheduler at a time; nothing in this
// package synchronizes access to it. Snapshots are deep copies and may be
// handed to other goroutines freely.
package run
