// Package observability wires OpenTelemetry metrics and tracing for the run
// engine. EngineMetrics methods are safe on a nil receiver, so components
// accept an optional *EngineMetrics without guarding every call.
package observability
