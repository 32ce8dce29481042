// Package redis stores run snapshots in Redis.
//
// Client wraps go-redis with the engine's logging and configuration
// conventions, and Component manages its lifecycle in a component.Registry.
// TypedStore keeps JSON values under a key prefix; SnapshotStore builds on it
// to implement persist.SnapshotStore:
//
//	comp := redis.NewComponent(cfg, log)
//	_ = registry.Register(comp)
//	// after StartAll
//	store := redis.NewSnapshotStore(comp.Client(), "runkit:runs", 0)
//	persister := persist.NewPersister(store, persist.Config{}, log, metrics)
package redis
