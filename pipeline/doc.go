// Package pipeline provides the small set of pull-based stream operators the
// engine is built from.
//
// A Pipeline is lazy: nothing runs until a terminal (Collect or Drain) pulls
// from it. Sources are a slice (FromSlice) or a channel (FromChannel). The
// engine uses three shapes:
//
//	// scheduler: bounded concurrent dispatch of one batch of branches
//	results, err := pipeline.Collect(ctx, pipeline.Parallel(pipeline.FromSlice(batch), 10, step))
//
//	// persister: trailing debounce of snapshot updates, one writer per run
//	pipeline.Drain(pipeline.Debounce(pipeline.FromChannel(updates), time.Second), write).Run(ctx)
//
//	// task queue: a fixed worker pool over a job channel
//	pipeline.Drain(pipeline.Parallel(pipeline.FromChannel(jobs), workers, handle), record).Run(ctx)
package pipeline
