// Package scheduler drives a single run: it repeatedly wakes waiting
// branches, dispatches the active ones with bounded concurrency, applies
// their results and records progress, until the run reaches a terminal
// state, pauses at the iteration cap, fails on the wall-clock cap, or is
// cancelled.
package scheduler
