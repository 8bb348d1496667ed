package block

import (
	"context"
	"errors"

	"github.com/kvmgo/vmm/vmm/ioruntime"
	"github.com/kvmgo/vmm/vmm/virtio/block/virtq"
	"github.com/kvmgo/vmm/vmm/vlog"
	"github.com/teris-io/shortid"
)

// chainResult is one completed chain's outcome, handed back from a
// TaskSet worker to the queue-draining loop for AddUsed/interrupt
// bookkeeping.
type chainResult struct {
	chain   *virtq.DescriptorChain
	usedLen uint32
	err     error
}

// handleQueue drains queue every time notify fires, dispatching each
// popped chain concurrently via a TaskSet and adding each one to the
// used ring as soon as it completes — not once the whole batch is
// done — so a single slow request never delays the interrupt for its
// faster siblings. It returns when ctx is cancelled.
//
// notify failing to ever fire again (a closed Event) ends the loop
// with its error; a bounded number of consecutive Next errors is
// otherwise tolerated — treated the same as closure after 3
// consecutive failures, since a persistently erroring notification
// source cannot be distinguished from one that will never recover.
func handleQueue(
	ctx context.Context,
	notify *ioruntime.Event,
	queue *virtq.Queue,
	disk *DiskState,
	shared *WorkerSharedState,
	id deviceID,
	interrupt func(),
	logger *vlog.Logger,
) error {
	tasks := ioruntime.NewTaskSet[chainResult]()
	consecutiveErrs := 0

	drain := func() {
		for {
			chain, err := queue.Pop()
			if err != nil {
				return
			}
			c := chain
			correlationID, _ := shortid.Generate()
			tasks.Push(func() chainResult {
				var used uint32
				var rerr error
				disk.Disk(func(d AsyncDisk) {
					used, rerr = processOneChain(ctx, c, d, disk.ReadOnly(), disk.Sparse(), disk.Len(), id, shared)
				})
				if rerr != nil {
					logger.Err().Str("chain", correlationID).Err(rerr).Log("request failed")
				} else {
					logger.Debug().Str("chain", correlationID).Int("used_len", int(used)).Log("request completed")
				}
				return chainResult{chain: c, usedLen: used, err: rerr}
			})
		}
	}

	drain()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-tasks.Done():
			queue.AddUsed(res.chain, res.usedLen)
			interrupt()
			drain()
		default:
			if err := notify.NextVal(ctx); err != nil {
				consecutiveErrs++
				if consecutiveErrs >= 3 || errors.Is(err, ioruntime.ErrClosed) {
					return err
				}
				continue
			}
			consecutiveErrs = 0
			drain()
		}
	}
}
