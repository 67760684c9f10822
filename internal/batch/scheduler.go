// Package batch provides bounded-concurrency fan-out for plugin
// invocations. Invocations are independent; result ordering does not
// match submission order.
package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrent = 5
	DefaultTaskTimeout   = 60 * time.Second
)

// Options bounds a batch run.
type Options struct {
	// MaxConcurrent caps simultaneously running invocations.
	MaxConcurrent int
	// Timeout is the hard per-invocation deadline. A worker that blows
	// it is abandoned and its slot freed, so a stuck invocation can
	// never wedge the batch.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTaskTimeout
	}
	return o
}

// Run executes fn for every item with at most opts.MaxConcurrent
// in flight. onTimeout builds the result for an invocation that missed
// its deadline. The returned slice is in completion order.
func Run[T, R any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) R, onTimeout func(T, error) R) []R {
	opts = opts.withDefaults()

	results := make(chan R, len(items))

	g := &errgroup.Group{}
	g.SetLimit(opts.MaxConcurrent)

	for _, item := range items {
		g.Go(func() error {
			results <- runOne(ctx, item, opts.Timeout, fn, onTimeout)
			return nil
		})
	}

	_ = g.Wait()
	close(results)

	out := make([]R, 0, len(items))
	for r := range results {
		out = append(out, r)
	}
	return out
}

// runOne enforces the per-invocation deadline even against an fn that
// ignores context cancellation: the call runs in its own goroutine and
// is abandoned on timeout.
func runOne[T, R any](ctx context.Context, item T, timeout time.Duration, fn func(context.Context, T) R, onTimeout func(T, error) R) R {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan R, 1)
	go func() {
		done <- fn(taskCtx, item)
	}()

	select {
	case r := <-done:
		return r
	case <-taskCtx.Done():
		log.Warn().Dur("timeout", timeout).Msg("batch invocation abandoned at deadline")
		return onTimeout(item, taskCtx.Err())
	}
}
