package ioruntime

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Arm is one leg of a RunFirst composition: a named, cancellable unit of
// work run for as long as the worker is alive.
type Arm struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunFirst runs every arm concurrently and returns as soon as the first
// one finishes (successfully or not), cancelling the shared context so
// the remaining arms unwind at their next suspension point: whichever
// of a worker's resample/queue/flush/control/kill arms finishes first determines
// its exit, and the rest are dropped.
//
// The name of the arm that finished first is returned alongside its
// error, so callers can log which one ended the worker.
func RunFirst(ctx context.Context, arms ...Arm) (winner string, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(arms))

	g, gctx := errgroup.WithContext(ctx)
	for _, arm := range arms {
		arm := arm
		g.Go(func() error {
			runErr := arm.Run(gctx)
			select {
			case results <- outcome{arm.Name, runErr}:
			default:
			}
			return runErr
		})
	}

	first := <-results
	cancel()
	_ = g.Wait()
	return first.name, first.err
}
