package component

import "context"

// HealthStatus is a component's health state.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
)

// Health is a component's reported health.
type Health struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// Component is a service with a managed lifecycle.
type Component interface {
	// Name is unique within a Registry.
	Name() string
	Start(ctx context.Context) error
	// Stop releases resources. It is only called after a successful Start.
	Stop(ctx context.Context) error
	Health(ctx context.Context) Health
}

// Description summarizes a component for startup logs.
type Description struct {
	// Name defaults to the component's Name().
	Name string
	// Type is a category such as "store", "queue" or "kafka".
	Type    string
	Details string
}

// Describable is implemented by components that describe themselves.
type Describable interface {
	Describe() Description
}
