// Package events is the in-process event bus used by the run engine.
//
// Events carry a flat Data map so that subscribers (log sinks, Kafka
// forwarding, client notification) never need engine types. Topics are
// dot-separated; subscription patterns may use "*" for exactly one segment
// and a trailing "#" for any remaining segments:
//
//	bus := events.NewMemoryBus("runkit", log)
//	unsubscribe := bus.Subscribe("execution.metrics.*", func(ctx context.Context, e events.Event) {
//	    fmt.Println(e.Topic, e.Data["iteration"])
//	})
//	defer unsubscribe()
package events
