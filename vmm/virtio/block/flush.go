package block

import "context"

// runFlushCoordinator waits on shared's flush timer and, each time it
// fires, checks whether a write actually armed it since the last
// expiry. If not armed, the expiry is spurious (a FLUSH already did
// the work and disarmed the timer) and is skipped. Otherwise the
// pending flag is cleared before fsync runs, not after, so a write
// that lands while fsync is already in flight re-arms the timer
// instead of being silently folded into the fsync that's already
// running.
//
// It returns when ctx is cancelled, or when the timer itself reports a
// cancellation error (a worker shutting down clears the timer, which
// does not by itself unblock Wait; shutdown is expected to cancel ctx).
func runFlushCoordinator(ctx context.Context, shared *WorkerSharedState, disk *DiskState) error {
	for {
		if err := shared.Timer().Wait(ctx); err != nil {
			return err
		}
		if !shared.ClearPending() {
			continue
		}

		var fsyncErr error
		disk.Disk(func(d AsyncDisk) {
			fsyncErr = d.Fsync(ctx)
		})
		if fsyncErr != nil {
			return &Flush{Backend: fsyncErr}
		}
	}
}
