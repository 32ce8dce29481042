package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/runkit/component"
	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/observability"
	"github.com/kbukum/runkit/pipeline"
	"github.com/kbukum/runkit/resilience"
)

// Handler processes one job and returns its result.
type Handler func(ctx context.Context, job Job) (map[string]any, error)

// Config sizes a Queue.
type Config struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
	// Buffer is how many scheduled jobs may wait for a worker before
	// Enqueue blocks.
	Buffer int                    `yaml:"buffer" mapstructure:"buffer"`
	Retry  resilience.RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
}

// Queue is an in-process job queue. It implements component.Component.
type Queue struct {
	cfg     Config
	log     *logger.Logger
	bus     events.Publisher
	metrics *observability.EngineMetrics
	now     func() time.Time
	newID   func() string

	// sendMu keeps Stop from closing queue under a pending send.
	sendMu    sync.RWMutex
	mu        sync.RWMutex
	handlers  map[string]Handler
	jobs      map[string]*Job
	waiters   map[string][]chan struct{}
	callbacks []func(Job)
	queue     chan string
	running   bool
	closed    bool
	done      chan struct{}
	cancel    context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(q *Queue) { q.log = l } }

// WithBus publishes job status changes on events.TopicJobStatus.
func WithBus(p events.Publisher) Option { return func(q *Queue) { q.bus = p } }

// WithMetrics sets the metric instruments.
func WithMetrics(m *observability.EngineMetrics) Option { return func(q *Queue) { q.metrics = m } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithIDFunc sets the job id generator.
func WithIDFunc(fn func() string) Option { return func(q *Queue) { q.newID = fn } }

// New creates a stopped Queue.
func New(cfg Config, opts ...Option) *Queue {
	cfg.ApplyDefaults()
	q := &Queue{
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*Job),
		waiters:  make(map[string][]chan struct{}),
		queue:    make(chan string, cfg.Buffer),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = logger.OrNop(q.log).WithComponent("taskqueue")
	return q
}

// Handle registers h for jobType, replacing any previous handler.
func (q *Queue) Handle(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Handles reports whether a handler is registered for jobType.
func (q *Queue) Handles(jobType string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.handlers[jobType]
	return ok
}

// OnComplete registers cb to be called with every job that reaches a final
// status.
func (q *Queue) OnComplete(cb func(Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks = append(q.callbacks, cb)
}

// Enqueue schedules a job of jobType. It blocks while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any) (Job, error) {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, errors.ServiceUnavailable("taskqueue")
	}
	if _, ok := q.handlers[jobType]; !ok {
		q.mu.Unlock()
		return Job{}, errors.InvalidInput("type", fmt.Sprintf("no handler for job type %q", jobType))
	}
	now := q.now()
	job := &Job{
		ID:        q.newID(),
		Type:      jobType,
		Status:    StatusScheduled,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs[job.ID] = job
	snapshot := *job
	q.mu.Unlock()
	q.publish(ctx, snapshot)

	select {
	case q.queue <- job.ID:
	case <-ctx.Done():
		q.finish(context.WithoutCancel(ctx), job.ID, nil, ctx.Err())
		return Job{}, ctx.Err()
	}
	return snapshot, nil
}

// Get returns a copy of job id.
func (q *Queue) Get(id string) (Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, errors.NotFound("job", id)
	}
	return *j, nil
}

// Await blocks until job id is final or ctx is done.
func (q *Queue) Await(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return Job{}, errors.NotFound("job", id)
	}
	if j.Status.Terminal() {
		out := *j
		q.mu.Unlock()
		return out, nil
	}
	ch := make(chan struct{})
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return q.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Name implements component.Component.
func (q *Queue) Name() string { return "taskqueue" }

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	if q.closed {
		return errors.Conflict("task queue already stopped")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	work := pipeline.Parallel(pipeline.FromChannel(q.queue), q.cfg.Workers, q.process)
	go func() {
		defer close(q.done)
		err := pipeline.Drain(work, func(context.Context, string) error { return nil }).Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			q.log.WithError(err).Error("worker pool stopped")
		}
	}()
	q.log.Info("task queue started", logger.Fields("workers", q.cfg.Workers))
	return nil
}

// Stop stops accepting jobs, lets scheduled jobs drain and waits for the
// workers. When ctx ends first, running handlers are cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.sendMu.Lock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.sendMu.Unlock()
		return nil
	}
	q.closed = true
	close(q.queue)
	running, done, cancel := q.running, q.done, q.cancel
	q.mu.Unlock()
	q.sendMu.Unlock()

	if !running {
		return nil
	}
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Health implements component.Component.
func (q *Queue) Health(context.Context) component.Health {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h := component.Health{Name: q.Name(), Status: component.StatusHealthy}
	switch {
	case q.closed:
		h.Status = component.StatusUnhealthy
		h.Message = "stopped"
	case !q.running:
		h.Status = component.StatusDegraded
		h.Message = "not started"
	case len(q.queue) == cap(q.queue):
		h.Status = component.StatusDegraded
		h.Message = "queue full"
	}
	return h
}

// Describe implements component.Describable.
func (q *Queue) Describe() component.Description {
	return component.Description{
		Name:    "Task queue",
		Type:    "queue",
		Details: fmt.Sprintf("workers=%d buffer=%d", q.cfg.Workers, q.cfg.Buffer),
	}
}

func (q *Queue) process(ctx context.Context, id string) (string, error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.Status != StatusScheduled {
		q.mu.Unlock()
		return id, nil
	}
	h := q.handlers[j.Type]
	_ = j.transition(StatusRunning, q.now())
	job := *j
	q.mu.Unlock()
	q.publish(ctx, job)

	start := time.Now()
	result, err := resilience.Retry(ctx, q.cfg.Retry, func() (map[string]any, error) {
		q.mu.Lock()
		j.Attempts++
		attempt := *j
		q.mu.Unlock()
		return h(ctx, attempt)
	})
	q.finish(ctx, id, result, err)
	q.log.Debug("job finished", logger.Fields(
		logger.FieldJobID, id,
		"type", job.Type,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	))
	// Handler errors are recorded on the job; they never stop the pool.
	return id, nil
}

func (q *Queue) finish(ctx context.Context, id string, result map[string]any, err error) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	to := StatusCompleted
	if err != nil {
		to = StatusFailed
		appErr := errors.Wrap(err)
		j.Error = err.Error()
		j.ErrorCode = string(appErr.Code)
	} else {
		j.Result = result
	}
	_ = j.transition(to, q.now())
	job := *j
	waiters := q.waiters[id]
	delete(q.waiters, id)
	callbacks := append([]func(Job){}, q.callbacks...)
	q.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, cb := range callbacks {
		cb(job)
	}
	q.metrics.JobFinished(ctx, job.Type, string(job.Status))
	q.publish(ctx, job)
}

func (q *Queue) publish(ctx context.Context, j Job) {
	data := map[string]any{
		logger.FieldJobID: j.ID,
		"type":            j.Type,
		"status":          string(j.Status),
		"attempts":        j.Attempts,
	}
	if j.Error != "" {
		data["error"] = j.Error
		data["error_code"] = j.ErrorCode
	}
	events.Publish(ctx, q.bus, events.TopicJobStatus, data)
}
