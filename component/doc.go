// Package component defines lifecycle-managed services and a registry that
// starts them in order and stops them in reverse.
//
// The engine, the task queue, the snapshot stores and the Kafka event
// forwarder are all Components, so the binary wires them the same way.
package component
