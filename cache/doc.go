// Package cache provides bounded, access-driven LRU caches.
//
// LRU enforces two limits at once: a maximum number of entries and a
// maximum aggregate size in bytes. Every Put evicts least-recently-used
// entries until both limits hold again. There are no timers; recency is
// updated only by Get and Put.
//
// DefinitionCache layers a routine-version loader on top of LRU and
// collapses concurrent misses for the same id into one store round-trip.
package cache
