// Package persist stores run progress.
//
// A Persister coalesces the stream of snapshots the scheduler produces for
// a run into debounced writes against a SnapshotStore, and FinalizeRun
// flushes the terminal snapshot and waits for outstanding writes. A
// Notifier publishes throttled progress events to the event bus
// independently of persistence.
package persist
