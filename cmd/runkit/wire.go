package main

import (
	"context"
	"fmt"

	"github.com/kbukum/runkit/bootstrap"
	"github.com/kbukum/runkit/branch"
	"github.com/kbukum/runkit/cache"
	"github.com/kbukum/runkit/credit"
	"github.com/kbukum/runkit/database"
	"github.com/kbukum/runkit/engine"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/kafka"
	"github.com/kbukum/runkit/kafka/producer"
	"github.com/kbukum/runkit/observability"
	"github.com/kbukum/runkit/persist"
	"github.com/kbukum/runkit/redis"
	"github.com/kbukum/runkit/resilience"
	"github.com/kbukum/runkit/taskqueue"
)

// EchoJobType is the built-in job type that returns its inputs.
const EchoJobType = "echo"

// wire registers every component on app and returns the engine component,
// which is registered last so its dependencies have started before it.
func wire(ctx context.Context, app *bootstrap.App[*AppConfig], definitions graph.Store) (*engine.Component, error) {
	cfg := app.Cfg
	log := app.Logger

	if cfg.Metrics.Enabled {
		mp, err := observability.InitMeter(ctx, &cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		app.OnStop(mp.Shutdown)
	}
	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracer(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		app.OnStop(tp.Shutdown)
	}
	metrics, err := observability.NewEngineMetrics(observability.Meter())
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	bus := events.NewMemoryBus(cfg.Name, log)

	var store func() persist.SnapshotStore
	switch {
	case cfg.Redis.Enabled:
		rc := redis.NewComponent(cfg.Redis, log)
		if err := app.RegisterComponent(rc); err != nil {
			return nil, err
		}
		store = func() persist.SnapshotStore {
			return redis.NewSnapshotStore(rc.Client(), cfg.Redis.KeyPrefix, cfg.Redis.SnapshotTTL)
		}
	case cfg.Database.Enabled:
		dc := database.NewComponent(cfg.Database, log)
		if err := app.RegisterComponent(dc); err != nil {
			return nil, err
		}
		store = func() persist.SnapshotStore { return database.NewSnapshotStore(dc.DB()) }
	default:
		mem := persist.NewMemoryStore()
		store = func() persist.SnapshotStore { return mem }
	}

	if cfg.Kafka.Enabled {
		kc := kafka.NewComponent(cfg.Kafka, log)
		prod, err := producer.NewProducer(cfg.Kafka, log)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		kc.SetProducer(prod)
		if err := app.RegisterComponent(kc); err != nil {
			return nil, err
		}
		fwd := events.NewKafkaForwarder(bus, producer.NewPublisher(prod, cfg.Name, log), cfg.Forwarder, log)
		app.OnStart(fwd.Start)
		app.OnStop(fwd.Stop)
	}

	queue := taskqueue.New(cfg.TaskQueue,
		taskqueue.WithLogger(log),
		taskqueue.WithBus(bus),
		taskqueue.WithMetrics(metrics),
	)
	queue.Handle(EchoJobType, echoJob)
	if err := app.RegisterComponent(queue); err != nil {
		return nil, err
	}

	guard := resilience.NewGuard(cfg.Resilience, bus, log)
	guard.Observe(func(ctx context.Context, target string, _, to resilience.State) {
		metrics.BreakerTransition(ctx, target, to.String())
	})

	balance, err := credit.Normalize(cfg.DefaultCredits)
	if err != nil {
		return nil, fmt.Errorf("default_credits: %w", err)
	}

	eng := engine.NewComponent(cfg.Engine, func(context.Context) (engine.Deps, error) {
		return engine.Deps{
			Definitions: cache.NewDefinitionCache(definitions, cfg.Cache, cache.WithLogger(log)),
			Credits:     &credit.StaticSource{Default: balance},
			Store:       store(),
			Executor:    taskqueue.NewExecutor(queue, branch.ExecutorFunc(passthrough)),
			Bus:         bus,
			Guard:       guard,
			Logger:      log,
			Metrics:     metrics,
		}, nil
	}, log)
	if err := app.RegisterComponent(eng); err != nil {
		return nil, err
	}
	return eng, nil
}

// echoJob returns the job's inputs as its result.
func echoJob(_ context.Context, job taskqueue.Job) (map[string]any, error) {
	inputs, _ := job.Payload["inputs"].(map[string]any)
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

// passthrough runs items whose target has no job handler. It echoes the
// inputs and charges the item's credit estimate.
func passthrough(_ context.Context, req branch.StepRequest) (branch.StepOutput, error) {
	out := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		out[k] = v
	}
	out["target"] = req.Item.Target
	return branch.StepOutput{Outputs: out}, nil
}
