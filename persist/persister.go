package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kbukum/runkit/errors"
	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/observability"
	"github.com/kbukum/runkit/pipeline"
	"github.com/kbukum/runkit/run"
)

const (
	DefaultDebounce        = time.Second
	DefaultFinalizeTimeout = 5 * time.Second
	DefaultPollInterval    = 50 * time.Millisecond
)

// Config tunes a Persister.
type Config struct {
	// Debounce is the quiet period before a progress snapshot is written.
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
	// FinalizeTimeout bounds how long FinalizeRun waits for writes to drain.
	FinalizeTimeout time.Duration `yaml:"finalize_timeout" mapstructure:"finalize_timeout"`
	// PollInterval is how often FinalizeRun checks for outstanding writes.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// writer serializes the writes of one run and drops snapshots older than
// the last one stored.
type writer struct {
	mu       sync.Mutex
	lastSeq  uint64
	wrote    bool
	inflight atomic.Int64
}

// Persister writes run progress to a SnapshotStore.
type Persister struct {
	store   SnapshotStore
	cfg     Config
	log     *logger.Logger
	metrics *observability.EngineMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lanes   map[string]*lane[run.Snapshot]
	writers map[string]*writer
}

// NewPersister creates a Persister over store. metrics may be nil.
func NewPersister(store SnapshotStore, cfg Config, log *logger.Logger, metrics *observability.EngineMetrics) *Persister {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		store:   store,
		cfg:     cfg,
		log:     logger.OrNop(log).WithComponent("persister"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]*lane[run.Snapshot]),
		writers: make(map[string]*writer),
	}
}

// Store returns the underlying store.
func (p *Persister) Store() SnapshotStore { return p.store }

// Update queues s for a debounced write. It never blocks on storage.
func (p *Persister) Update(s run.Snapshot) {
	p.mu.Lock()
	l, ok := p.lanes[s.RunID]
	if !ok {
		w := p.writerLocked(s.RunID)
		l = startLane(p.ctx, func(src *pipeline.Pipeline[run.Snapshot]) *pipeline.Runnable {
			return pipeline.Drain(pipeline.Debounce(src, p.cfg.Debounce), func(ctx context.Context, snap run.Snapshot) error {
				w.inflight.Add(1)
				defer w.inflight.Add(-1)
				if err := p.save(ctx, w, snap); err != nil {
					p.log.WithError(err).Warn("run progress write failed", logger.Fields(
						logger.FieldRunID, snap.RunID, "seq", snap.Seq))
				}
				return nil
			})
		}, func(err error) {
			p.log.WithError(err).Error("run progress stream stopped", logger.Fields(logger.FieldRunID, s.RunID))
		})
		p.lanes[s.RunID] = l
	}
	p.mu.Unlock()
	l.offer(s)
}

// FinalizeRun writes the terminal snapshot s, superseding any pending
// progress write, and waits until no write for the run is outstanding. When
// that takes longer than the configured timeout it returns FINALIZE_TIMEOUT;
// the write keeps going in the background.
func (p *Persister) FinalizeRun(ctx context.Context, s run.Snapshot) error {
	p.mu.Lock()
	if l, ok := p.lanes[s.RunID]; ok {
		l.abort()
		delete(p.lanes, s.RunID)
	}
	w := p.writerLocked(s.RunID)
	p.mu.Unlock()

	result := make(chan error, 1)
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Add(-1)
		result <- p.save(context.WithoutCancel(ctx), w, s)
	}()

	start := time.Now()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(p.cfg.FinalizeTimeout)
	defer deadline.Stop()

	for w.inflight.Load() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			if pending := w.inflight.Load(); pending > 0 {
				err := errors.FinalizeTimeout(s.RunID, pending, time.Since(start))
				p.log.WithError(err).Error("finalize timed out", logger.Fields(logger.FieldRunID, s.RunID))
				return err
			}
		case <-ctx.Done():
			return errors.FinalizeTimeout(s.RunID, w.inflight.Load(), time.Since(start)).WithCause(ctx.Err())
		}
	}

	if err := <-result; err != nil {
		return err
	}
	p.mu.Lock()
	if p.writers[s.RunID] == w {
		delete(p.writers, s.RunID)
	}
	p.mu.Unlock()
	p.log.Debug("run finalized", logger.Fields(
		logger.FieldRunID, s.RunID, "seq", s.Seq, logger.FieldDuration, time.Since(start).Milliseconds()))
	return nil
}

// Load returns the latest stored snapshot of runID.
func (p *Persister) Load(ctx context.Context, runID string) (run.Snapshot, error) {
	return p.store.LoadRunSnapshot(ctx, runID)
}

// Close flushes every pending progress write and stops the Persister.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	lanes := make([]*lane[run.Snapshot], 0, len(p.lanes))
	for id, l := range p.lanes {
		l.close()
		lanes = append(lanes, l)
		delete(p.lanes, id)
	}
	p.mu.Unlock()

	defer p.cancel()
	for _, l := range lanes {
		if err := l.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) writerLocked(runID string) *writer {
	w, ok := p.writers[runID]
	if !ok {
		w = &writer{}
		p.writers[runID] = w
	}
	return w
}

func (p *Persister) save(ctx context.Context, w *writer, s run.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wrote && s.Seq < w.lastSeq {
		p.log.Debug("dropping stale snapshot", logger.Fields(
			logger.FieldRunID, s.RunID, "seq", s.Seq, "last_seq", w.lastSeq))
		return nil
	}

	op := observability.StartOperation(ctx, observability.SpanPersist,
		attribute.String(observability.AttrRunID, s.RunID),
		attribute.Bool("runkit.final", s.Final),
	)
	err := p.store.SaveRunSnapshot(op.Context(), s.RunID, s)
	p.metrics.SnapshotWrite(ctx, s.Final, op.End(err), err)
	if err != nil {
		return err
	}
	w.lastSeq = s.Seq
	w.wrote = true
	return nil
}
