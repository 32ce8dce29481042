// Package engine ties the run execution packages together. An Engine loads
// routine versions through the definition cache, builds each run's credit
// ledger, persists snapshots and drives runs with a scheduler. Runs can be
// started, resumed with manual input, and cancelled.
package engine
