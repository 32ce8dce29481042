package pipeline

import "context"

// Iterator is pull-based access to a stream of values.
type Iterator[T any] interface {
	// Next returns the next value, or (zero, false, nil) once exhausted.
	Next(ctx context.Context) (T, bool, error)
	// Close releases whatever the iterator holds.
	Close() error
}

// Pipeline is a lazy stream description. Each terminal call creates a fresh
// iterator chain.
type Pipeline[T any] struct {
	create func(ctx context.Context) Iterator[T]
}

// Runnable is a pipeline bound to a sink.
type Runnable struct {
	run func(ctx context.Context) error
}

// Run pulls until the source is exhausted, a stage fails, or ctx ends.
func (r *Runnable) Run(ctx context.Context) error {
	return r.run(ctx)
}

type result[T any] struct {
	val T
	ok  bool
	err error
}

type channelIter[T any] struct {
	ch     <-chan result[T]
	closer func() error
}

func (it *channelIter[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case r, open := <-it.ch:
		if !open {
			return zero, false, nil
		}
		return r.val, r.ok, r.err
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (it *channelIter[T]) Close() error {
	if it.closer != nil {
		return it.closer()
	}
	return nil
}

// pump copies source into a channel from a goroutine until the source ends,
// fails, or ctx is done. The channel is closed on return.
func pump[T any](ctx context.Context, source Iterator[T], size int) <-chan result[T] {
	ch := make(chan result[T], size)
	go func() {
		defer close(ch)
		for {
			val, ok, err := source.Next(ctx)
			if err != nil {
				select {
				case ch <- result[T]{err: err}:
				case <-ctx.Done():
				}
				return
			}
			if !ok {
				return
			}
			select {
			case ch <- result[T]{val: val, ok: true}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// FromSlice streams items in order.
func FromSlice[T any](items []T) *Pipeline[T] {
	return &Pipeline[T]{
		create: func(_ context.Context) Iterator[T] {
			return &sliceIter[T]{items: items}
		},
	}
}

// FromChannel streams values received from ch until it is closed. The
// pipeline does not own ch; closing it is the sender's job.
func FromChannel[T any](ch <-chan T) *Pipeline[T] {
	return &Pipeline[T]{
		create: func(_ context.Context) Iterator[T] {
			return &recvIter[T]{ch: ch}
		},
	}
}

// Drain binds p to sink. The first sink error stops the run.
func Drain[T any](p *Pipeline[T], sink func(context.Context, T) error) *Runnable {
	return &Runnable{
		run: func(ctx context.Context) error {
			iter := p.create(ctx)
			defer iter.Close()
			for {
				val, ok, err := iter.Next(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := sink(ctx, val); err != nil {
					return err
				}
			}
		},
	}
}

// Collect runs p and returns every value. On error the values gathered so
// far are returned with it.
func Collect[T any](ctx context.Context, p *Pipeline[T]) ([]T, error) {
	var out []T
	err := Drain(p, func(_ context.Context, v T) error {
		out = append(out, v)
		return nil
	}).Run(ctx)
	return out, err
}

type sliceIter[T any] struct {
	items []T
	index int
}

func (it *sliceIter[T]) Next(_ context.Context) (T, bool, error) {
	if it.index >= len(it.items) {
		var zero T
		return zero, false, nil
	}
	val := it.items[it.index]
	it.index++
	return val, true, nil
}

func (it *sliceIter[T]) Close() error { return nil }

type recvIter[T any] struct {
	ch <-chan T
}

func (it *recvIter[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case v, open := <-it.ch:
		if !open {
			return zero, false, nil
		}
		return v, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (it *recvIter[T]) Close() error { return nil }
