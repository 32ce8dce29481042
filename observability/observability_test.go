package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfigs(t *testing.T) {
	m := DefaultMeterConfig("runkit")
	if m.ServiceName != "runkit" || m.Interval != 15*time.Second || m.Enabled {
		t.Errorf("unexpected meter defaults %+v", m)
	}
	tr := DefaultTracerConfig("runkit")
	if tr.SampleRate != 1.0 || tr.Endpoint != "localhost:4318" {
		t.Errorf("unexpected tracer defaults %+v", tr)
	}
}

func TestEngineMetrics_Noop(t *testing.T) {
	m, err := NewEngineMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("NewEngineMetrics: %v", err)
	}
	ctx := context.Background()
	m.Iteration(ctx, 3, 1, 3, 10*time.Millisecond)
	m.BranchTransition(ctx, "active", "waiting")
	m.RunTransition(ctx, "scheduled", "in_progress")
	m.CreditsDebited(ctx, 10)
	m.SnapshotWrite(ctx, true, time.Millisecond, nil)
	m.BreakerTransition(ctx, "llm", "opened")
	m.StepExecuted(ctx, "llm", time.Millisecond, errors.New("x"))
	m.JobFinished(ctx, "sandbox", "completed")
}

func TestEngineMetrics_NilReceiver(t *testing.T) {
	var m *EngineMetrics
	ctx := context.Background()
	m.Iteration(ctx, 1, 0, 1, 0)
	m.CreditsDebited(ctx, 5)
	m.JobFinished(ctx, "x", "failed")
}

func TestEngineMetrics_RecordsIterations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewEngineMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewEngineMetrics: %v", err)
	}
	ctx := context.Background()
	m.Iteration(ctx, 2, 0, 2, 0)
	m.Iteration(ctx, 1, 1, 1, 0)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "runkit.scheduler.iterations" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
				t.Errorf("expected iterations=2, got %+v", md.Data)
			}
			found = true
		}
	}
	if !found {
		t.Error("iterations metric not collected")
	}
}

func TestOperation_RecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	op := StartOperation(context.Background(), SpanBranchStep, attribute.String(AttrBranchID, "b1"))
	SetSpanError(op.Context(), errors.New("boom"))
	if d := op.End(nil); d < 0 {
		t.Errorf("unexpected duration %v", d)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != SpanBranchStep {
		t.Errorf("expected span %s, got %s", SpanBranchStep, spans[0].Name)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected recorded error event")
	}
}
