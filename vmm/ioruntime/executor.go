package ioruntime

import "context"

// Executor is the thinnest possible stand-in for crosvm's
// single-threaded cooperative executor. Go has no async/await to host a
// scheduler for, so Spawn launches a real goroutine and RunUntil simply
// runs its root task to completion — the suspension/cancellation contract
// that matters (structural cancellation via ctx, no two tasks touching
// single-threaded state without synchronisation) is carried by RWMutex,
// TaskSet and RunFirst, not by this type.
type Executor struct{}

// NewExecutor returns a ready-to-use Executor.
func NewExecutor() *Executor { return &Executor{} }

// Spawn runs task in a new goroutine, detached from the caller; errors are
// delivered to errs if non-nil, mirroring the "detached task" semantics
// process_one_chain relies on (a chain task's failure never propagates to
// handle_queue directly — it is observed, if at all, via a side channel).
func (e *Executor) Spawn(ctx context.Context, task func(ctx context.Context) error, errs chan<- error) {
	go func() {
		err := task(ctx)
		if err != nil && errs != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
		}
	}()
}

// RunUntil runs root to completion on the calling goroutine.
func (e *Executor) RunUntil(ctx context.Context, root func(ctx context.Context) error) error {
	return root(ctx)
}
