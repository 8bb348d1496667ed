package block

import (
	"context"

	"github.com/kvmgo/vmm/vmm/ioruntime"
)

// ControlCommand is a control-plane request delivered over the device's
// command tube.
type ControlCommand struct {
	Resize *ResizeCommand
}

// ResizeCommand asks the device to change its backing disk's length.
type ResizeCommand struct {
	NewSize uint64
}

// ControlResponse is the reply to one ControlCommand.
type ControlResponse struct {
	Ok  bool
	Err string
}

// Control-plane error codes, modelled after the errno names a resize
// over a real vhost-user backend would actually surface.
const (
	ErrEROFS = "EROFS" // read-only disk rejected the resize
	ErrEIO   = "EIO"   // backend failed the resize
)

// handleCommandTube services control-plane requests until ctx is
// cancelled or the tube closes. Resize is the only command today; it
// takes DiskState's exclusive lock, then each worker's
// WorkerSharedState exclusive lock, in that fixed order, so it can
// never deadlock against the request pipeline (which takes DiskState's
// read lock, then WorkerSharedState, in the same order) or against
// itself. configChanged is invoked after
// a successful resize to notify the guest of the new capacity; it may
// be nil if the device wiring hasn't attached an interrupt yet.
func handleCommandTube(
	ctx context.Context,
	tube *ioruntime.Tube[ControlCommand],
	responses *ioruntime.Tube[ControlResponse],
	disk *DiskState,
	workers []*WorkerSharedState,
	configChanged func(),
) error {
	for {
		cmd, err := tube.Next(ctx)
		if err != nil {
			return &ReceivingCommand{Cause: err}
		}

		resp := dispatchControlCommand(ctx, cmd, disk, workers, configChanged)

		if err := responses.Send(ctx, resp); err != nil {
			return &SendingResponse{Cause: err}
		}
	}
}

func dispatchControlCommand(ctx context.Context, cmd ControlCommand, disk *DiskState, workers []*WorkerSharedState, configChanged func()) ControlResponse {
	switch {
	case cmd.Resize != nil:
		return resize(ctx, cmd.Resize.NewSize, disk, workers, configChanged)
	default:
		return ControlResponse{Ok: false, Err: "control: unrecognised command"}
	}
}

// resize changes the disk's length, holding DiskState exclusively for
// the whole operation (read-only check, backend SetLen/Allocate, and
// updating the cached length and sparse flag) and then, still under
// that lock, briefly taking each worker's WorkerSharedState exclusively
// in turn to drain any flush in flight before returning — this is the
// one place in the device both locks are held at once, always
// DiskState first. A read-only device rejects the resize with EROFS
// without touching the backend; any backend failure reports EIO and
// leaves the published size unchanged. configChanged fires only after
// a successful resize, outside the lock.
func resize(ctx context.Context, newSize uint64, disk *DiskState, workers []*WorkerSharedState, configChanged func()) ControlResponse {
	var resp ControlResponse
	disk.mu.Locked(func() {
		if disk.readOnly {
			resp = ControlResponse{Ok: false, Err: ErrEROFS}
			return
		}
		if err := disk.disk.SetLen(ctx, newSize); err != nil {
			resp = ControlResponse{Ok: false, Err: ErrEIO}
			return
		}
		// Allocate makes the backing file non-sparse over the new
		// range, so the cached sparse flag must follow suit.
		if err := disk.disk.Allocate(ctx, 0, newSize); err != nil {
			resp = ControlResponse{Ok: false, Err: ErrEIO}
			return
		}
		disk.sparse = false
		disk.setLen(newSize)

		for _, w := range workers {
			w.mu.Locked(func() {})
		}

		resp = ControlResponse{Ok: true}
	})
	if resp.Ok && configChanged != nil {
		configChanged()
	}
	return resp
}
