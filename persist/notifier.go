package persist

import (
	"context"
	"sync"
	"time"

	"github.com/kbukum/runkit/events"
	"github.com/kbukum/runkit/logger"
	"github.com/kbukum/runkit/pipeline"
	"github.com/kbukum/runkit/run"
)

// DefaultProgressThrottle is the minimum spacing of progress events per run.
const DefaultProgressThrottle = time.Second

// Notifier publishes run progress on events.TopicRunProgress, at most once
// per interval per run. Final snapshots are always published.
type Notifier struct {
	bus      events.Publisher
	interval time.Duration
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lanes map[string]*lane[run.Snapshot]
}

// NewNotifier creates a Notifier. A nil bus makes every call a no-op.
func NewNotifier(bus events.Publisher, interval time.Duration, log *logger.Logger) *Notifier {
	if interval <= 0 {
		interval = DefaultProgressThrottle
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		bus:      bus,
		interval: interval,
		log:      logger.OrNop(log).WithComponent("progress-notifier"),
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane[run.Snapshot]),
	}
}

// Notify offers s for publication.
func (n *Notifier) Notify(s run.Snapshot) {
	if n.bus == nil {
		return
	}
	n.mu.Lock()
	l, ok := n.lanes[s.RunID]
	if !ok {
		l = startLane(n.ctx, func(src *pipeline.Pipeline[run.Snapshot]) *pipeline.Runnable {
			return pipeline.Drain(pipeline.Throttle(src, n.interval), n.publish)
		}, func(err error) {
			n.log.WithError(err).Warn("progress stream stopped", logger.Fields(logger.FieldRunID, s.RunID))
		})
		n.lanes[s.RunID] = l
	}
	n.mu.Unlock()
	l.offer(s)
}

// Final publishes s immediately and closes the run's stream.
func (n *Notifier) Final(ctx context.Context, s run.Snapshot) {
	if n.bus == nil {
		return
	}
	n.mu.Lock()
	if l, ok := n.lanes[s.RunID]; ok {
		l.abort()
		delete(n.lanes, s.RunID)
	}
	n.mu.Unlock()
	_ = n.publish(ctx, s)
}

// Close stops every stream.
func (n *Notifier) Close() {
	n.mu.Lock()
	for id, l := range n.lanes {
		l.abort()
		delete(n.lanes, id)
	}
	n.mu.Unlock()
	n.cancel()
}

func (n *Notifier) publish(ctx context.Context, s run.Snapshot) error {
	if err := n.bus.Publish(ctx, events.TopicRunProgress, ProgressData(s)); err != nil {
		n.log.WithError(err).Warn("progress publish failed", logger.Fields(logger.FieldRunID, s.RunID))
	}
	return nil
}

// ProgressData is the flat event payload describing s.
func ProgressData(s run.Snapshot) map[string]any {
	data := map[string]any{
		"run_id": s.RunID,
		"seq":    s.Seq,
		"final":  s.Final,
	}
	if r := s.Run; r != nil {
		counts := r.Counts()
		data["status"] = string(r.Status)
		data["steps"] = r.StepsCount
		data["iterations"] = r.Iterations
		data["completed_complexity"] = r.CompletedComplexity
		data["active"] = counts[run.BranchActive]
		data["waiting"] = counts[run.BranchWaiting]
		data["completed"] = counts[run.BranchCompleted]
		data["failed"] = counts[run.BranchFailed]
		data["credits_spent"] = r.Credits.Spent
	}
	return data
}
