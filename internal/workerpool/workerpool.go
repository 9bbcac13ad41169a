// Package workerpool runs a function over a batch of arguments with bounded
// concurrency, yielding results as they complete rather than in submission
// order. See spec.md §4.3.
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Result pairs one input argument with the outcome of running it. Err is set
// when the task function itself failed; the pool does not abort on a
// per-task error, it simply reports it (spec.md §4.3: "exceptions raised by
// a worker invocation are surfaced as the result value").
type Result[A any, R any] struct {
	Arg   A
	Value R
	Err   error
}

// Run starts up to threads concurrent invocations of fn over args, and
// returns a channel that yields one Result per argument, in completion
// order. The channel is closed once every argument has produced a result.
//
// If ctx is cancelled, in-flight invocations are left to fn's own
// ctx-awareness to unwind; Run does not forcibly kill goroutines. Arguments
// not yet started are reported as Result with ctx.Err() without being run,
// and the channel closes once every in-flight task has returned — this
// bounds shutdown to the slowest in-flight task rather than hanging on the
// whole batch.
func Run[A any, R any](ctx context.Context, threads int, args []A, fn func(context.Context, A) (R, error)) <-chan Result[A, R] {
	if threads <= 0 {
		threads = 1
	}

	out := make(chan Result[A, R], len(args))
	sem := semaphore.NewWeighted(int64(threads))

	go func() {
		defer close(out)

		var wg sync.WaitGroup
		for _, arg := range args {
			arg := arg

			if err := sem.Acquire(ctx, 1); err != nil {
				var zero R
				out <- Result[A, R]{Arg: arg, Value: zero, Err: ctx.Err()}
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)

				v, err := fn(ctx, arg)
				out <- Result[A, R]{Arg: arg, Value: v, Err: err}
			}()
		}
		wg.Wait()
	}()

	return out
}
