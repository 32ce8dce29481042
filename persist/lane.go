package persist

import (
	"context"
	"sync"

	"github.com/kbukum/runkit/pipeline"
)

// lane feeds one run's snapshots into a pipeline running in its own
// goroutine. Offers never block: when the buffer is full the older value is
// replaced, so the newest snapshot always wins.
type lane[T any] struct {
	mu     sync.Mutex
	closed bool
	ch     chan T
	cancel context.CancelFunc
	done   chan struct{}
}

func startLane[T any](parent context.Context, build func(*pipeline.Pipeline[T]) *pipeline.Runnable, onErr func(error)) *lane[T] {
	ctx, cancel := context.WithCancel(parent)
	l := &lane[T]{ch: make(chan T, 1), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		if err := build(pipeline.FromChannel(l.ch)).Run(ctx); err != nil && ctx.Err() == nil {
			onErr(err)
		}
	}()
	return l
}

func (l *lane[T]) offer(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	for {
		select {
		case l.ch <- v:
			return true
		default:
		}
		select {
		case <-l.ch:
		default:
		}
	}
}

// close stops accepting values and lets the pipeline flush what it holds.
func (l *lane[T]) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

// abort drops whatever the pipeline holds.
func (l *lane[T]) abort() {
	l.close()
	l.cancel()
}

func (l *lane[T]) wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
