package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/runkit/logger"
)

const meterName = "github.com/kbukum/runkit"

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	// Enabled turns on OTLP export. When false, the global no-op provider is used.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// ServiceName is the name of the service.
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" mapstructure:"service_version"`
	// Environment is the deployment environment.
	Environment string `yaml:"environment" mapstructure:"environment"`
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	// Insecure allows insecure connections (for development).
	Insecure bool `yaml:"insecure" mapstructure:"insecure"`
	// Interval is the metric export interval.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// DefaultMeterConfig returns defaults for development.
func DefaultMeterConfig(serviceName string) MeterConfig {
	return MeterConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Interval:       15 * time.Second,
	}
}

// InitMeter initializes the OpenTelemetry meter provider.
// Returns a MeterProvider that should be shut down on application exit.
func InitMeter(ctx context.Context, config *MeterConfig) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := newResource(config.ServiceName, config.ServiceVersion, config.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if config.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logger.GetGlobalLogger().Info("meter initialized", logger.Fields(
		"service", config.ServiceName,
		"endpoint", config.Endpoint,
		"interval", config.Interval.String(),
	))
	return mp, nil
}

// Meter returns the engine meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(meterName)
}

// EngineMetrics holds the run engine's metric instruments.
type EngineMetrics struct {
	iterations         metric.Int64Counter
	branchesActive     metric.Int64Gauge
	branchesWaiting    metric.Int64Gauge
	dispatchPeak       metric.Int64Histogram
	loopDelay          metric.Float64Histogram
	branchTransitions  metric.Int64Counter
	runTransitions     metric.Int64Counter
	creditsDebited     metric.Int64Counter
	snapshotWrites     metric.Int64Counter
	snapshotDuration   metric.Float64Histogram
	breakerTransitions metric.Int64Counter
	stepDuration       metric.Float64Histogram
	jobs               metric.Int64Counter
}

// NewEngineMetrics creates the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	if m.iterations, err = meter.Int64Counter("runkit.scheduler.iterations",
		metric.WithDescription("Main loop iterations")); err != nil {
		return nil, fmt.Errorf("creating iterations counter: %w", err)
	}
	if m.branchesActive, err = meter.Int64Gauge("runkit.scheduler.branches.active",
		metric.WithDescription("Active branches after the last iteration")); err != nil {
		return nil, fmt.Errorf("creating active gauge: %w", err)
	}
	if m.branchesWaiting, err = meter.Int64Gauge("runkit.scheduler.branches.waiting",
		metric.WithDescription("Waiting branches after the last iteration")); err != nil {
		return nil, fmt.Errorf("creating waiting gauge: %w", err)
	}
	if m.dispatchPeak, err = meter.Int64Histogram("runkit.scheduler.dispatch.peak",
		metric.WithDescription("Peak concurrent branch steps per iteration")); err != nil {
		return nil, fmt.Errorf("creating dispatch histogram: %w", err)
	}
	if m.loopDelay, err = meter.Float64Histogram("runkit.scheduler.loop_delay",
		metric.WithDescription("Delay before the next iteration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating loop delay histogram: %w", err)
	}
	if m.branchTransitions, err = meter.Int64Counter("runkit.branch.transitions",
		metric.WithDescription("Branch status transitions")); err != nil {
		return nil, fmt.Errorf("creating branch transitions counter: %w", err)
	}
	if m.runTransitions, err = meter.Int64Counter("runkit.run.transitions",
		metric.WithDescription("Run status transitions")); err != nil {
		return nil, fmt.Errorf("creating run transitions counter: %w", err)
	}
	if m.creditsDebited, err = meter.Int64Counter("runkit.credits.debited",
		metric.WithDescription("Credits committed against run ledgers")); err != nil {
		return nil, fmt.Errorf("creating credits counter: %w", err)
	}
	if m.snapshotWrites, err = meter.Int64Counter("runkit.persist.writes",
		metric.WithDescription("Run snapshot writes by outcome")); err != nil {
		return nil, fmt.Errorf("creating writes counter: %w", err)
	}
	if m.snapshotDuration, err = meter.Float64Histogram("runkit.persist.duration",
		metric.WithDescription("Run snapshot write duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating write duration histogram: %w", err)
	}
	if m.breakerTransitions, err = meter.Int64Counter("runkit.resilience.breaker.transitions",
		metric.WithDescription("Circuit breaker transitions")); err != nil {
		return nil, fmt.Errorf("creating breaker counter: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("runkit.branch.step.duration",
		metric.WithDescription("Subroutine execution duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating step duration histogram: %w", err)
	}
	if m.jobs, err = meter.Int64Counter("runkit.taskqueue.jobs",
		metric.WithDescription("Task queue jobs by final status")); err != nil {
		return nil, fmt.Errorf("creating jobs counter: %w", err)
	}
	return m, nil
}

// Iteration records one main loop iteration.
func (m *EngineMetrics) Iteration(ctx context.Context, active, waiting, peak int, delay time.Duration) {
	if m == nil {
		return
	}
	m.iterations.Add(ctx, 1)
	m.branchesActive.Record(ctx, int64(active))
	m.branchesWaiting.Record(ctx, int64(waiting))
	m.dispatchPeak.Record(ctx, int64(peak))
	m.loopDelay.Record(ctx, delay.Seconds())
}

// BranchTransition records a branch status change.
func (m *EngineMetrics) BranchTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.branchTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RunTransition records a run status change.
func (m *EngineMetrics) RunTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.runTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// CreditsDebited records committed credits. Values beyond int64 are clamped.
func (m *EngineMetrics) CreditsDebited(ctx context.Context, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsDebited.Add(ctx, amount)
}

// SnapshotWrite records one persisted snapshot.
func (m *EngineMetrics) SnapshotWrite(ctx context.Context, final bool, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.snapshotWrites.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Bool("final", final),
	))
	m.snapshotDuration.Record(ctx, d.Seconds())
}

// BreakerTransition records a circuit breaker state change.
func (m *EngineMetrics) BreakerTransition(ctx context.Context, target, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("to", to),
	))
}

// StepExecuted records one subroutine execution.
func (m *EngineMetrics) StepExecuted(ctx context.Context, target string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("target", target),
		attribute.Bool("ok", err == nil),
	))
}

// JobFinished records a task queue job reaching a final status.
func (m *EngineMetrics) JobFinished(ctx context.Context, jobType, status string) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", jobType),
		attribute.String("status", status),
	))
}
