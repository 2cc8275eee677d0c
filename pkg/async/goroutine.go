package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(context.WithoutCancel(r.Context()), logger, 5*time.Second, "usage record", func(ctx context.Context) error {
//	    return usage.Record(ctx, rec)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, logger, timeout, taskName, fn)
}

func run(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	log := observability.FromContext(parentCtx, logger).WithField("task", taskName)

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("background task panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		log.WithError(err).Warn("background task failed")
	}
}

// Runner tracks the background tasks it starts so that shutdown (and tests)
// can wait for in-flight work to drain.
type Runner struct {
	logger *observability.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a Runner that logs task failures to logger
func NewRunner(logger *observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Runner{logger: logger}
}

// Go runs fn in the background with the same guarantees as SafeGo
func (r *Runner) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		run(parentCtx, r.logger, timeout, taskName, fn)
	}()
}

// Wait blocks until all started tasks finish or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

// Batch processes items concurrently with at most workers in flight and
// returns every error encountered (in no particular order). A panicking item
// is reported as an error. Each item gets its own timeout.
//
// Example:
//
//	errs := Batch(ctx, integrations, 4, 30*time.Second, func(ctx context.Context, in Integration) error {
//	    return deliverer.Deliver(ctx, in, payload)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)

	for _, item := range items {
		item := item
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()

			if ctx.Err() != nil {
				record(ctx.Err())
				return nil
			}

			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := fn(itemCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
