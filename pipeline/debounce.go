package pipeline

import (
	"context"
	"time"
)

// Debounce emits the latest value once the source has been quiet for quiet.
// Values arriving inside the window replace the pending one and restart the
// timer. A pending value is flushed when the source ends.
func Debounce[T any](p *Pipeline[T], quiet time.Duration) *Pipeline[T] {
	return &Pipeline[T]{
		create: func(ctx context.Context) Iterator[T] {
			source := p.create(ctx)
			debCtx, cancel := context.WithCancel(ctx)
			return &debounceIter[T]{
				ch:    pump(debCtx, source, 1),
				quiet: quiet,
				closer: func() error {
					cancel()
					return source.Close()
				},
			}
		},
	}
}

type debounceIter[T any] struct {
	ch     <-chan result[T]
	quiet  time.Duration
	closer func() error
}

func (it *debounceIter[T]) Next(ctx context.Context) (T, bool, error) {
	var (
		latest  T
		pending bool
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case r, open := <-it.ch:
			if !open {
				return latest, pending, nil
			}
			if r.err != nil {
				return latest, false, r.err
			}
			latest, pending = r.val, true
			if timer == nil {
				timer = time.NewTimer(it.quiet)
				fire = timer.C
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(it.quiet)
		case <-fire:
			return latest, true, nil
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}

func (it *debounceIter[T]) Close() error { return it.closer() }
