package pipeline

import (
	"context"
	"sync"
)

// Parallel applies fn to each value with at most n calls in flight. Output
// order follows completion, not input. The first fn error cancels the
// remaining workers and is returned by the terminal.
func Parallel[I, O any](p *Pipeline[I], n int, fn func(context.Context, I) (O, error)) *Pipeline[O] {
	if n <= 0 {
		n = 1
	}
	return &Pipeline[O]{
		create: func(ctx context.Context) Iterator[O] {
			source := p.create(ctx)
			workerCtx, cancel := context.WithCancel(ctx)
			in := pump(workerCtx, source, n)
			out := make(chan result[O], n)

			var wg sync.WaitGroup
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for r := range in {
						var o result[O]
						if r.err != nil {
							o.err = r.err
						} else {
							v, err := fn(workerCtx, r.val)
							o = result[O]{val: v, ok: err == nil, err: err}
						}
						select {
						case out <- o:
						case <-workerCtx.Done():
							return
						}
						if o.err != nil {
							cancel()
							return
						}
					}
				}()
			}
			go func() {
				wg.Wait()
				close(out)
			}()

			return &channelIter[O]{
				ch: out,
				closer: func() error {
					cancel()
					return source.Close()
				},
			}
		},
	}
}
