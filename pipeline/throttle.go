package pipeline

import (
	"context"
	"time"
)

// Throttle passes the first value of every interval and drops the rest.
func Throttle[T any](p *Pipeline[T], interval time.Duration) *Pipeline[T] {
	return ThrottleClock(p, interval, time.Now)
}

// ThrottleClock is Throttle with an injectable clock.
func ThrottleClock[T any](p *Pipeline[T], interval time.Duration, now func() time.Time) *Pipeline[T] {
	return &Pipeline[T]{
		create: func(ctx context.Context) Iterator[T] {
			return &throttleIter[T]{source: p.create(ctx), interval: interval, now: now}
		},
	}
}

type throttleIter[T any] struct {
	source   Iterator[T]
	interval time.Duration
	now      func() time.Time
	last     time.Time
}

func (it *throttleIter[T]) Next(ctx context.Context) (T, bool, error) {
	for {
		val, ok, err := it.source.Next(ctx)
		if err != nil || !ok {
			return val, ok, err
		}
		t := it.now()
		if it.last.IsZero() || t.Sub(it.last) >= it.interval {
			it.last = t
			return val, true, nil
		}
	}
}

func (it *throttleIter[T]) Close() error { return it.source.Close() }
