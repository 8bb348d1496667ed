package block

import (
	"context"

	"github.com/kvmgo/vmm/vmm/config"
	"github.com/kvmgo/vmm/vmm/ioruntime"
	"github.com/kvmgo/vmm/vmm/virtio/block/virtq"
	"github.com/kvmgo/vmm/vmm/vlog"
)

// Worker owns one virtqueue's request pipeline plus the flush
// coordinator for the disk state it shares with its sibling workers
// (when WorkerPerQueue is set, one per queue; otherwise a single
// worker services queues[0] only, and the other queues are not
// serviced).
type Worker struct {
	queue    *virtq.Queue
	notify   *ioruntime.Event
	resample *ioruntime.Event
	disk     *DiskState
	shared   *WorkerSharedState
	id       deviceID
	interrupt func()
	logger   *vlog.Logger

	kill chan struct{}
}

// NewWorker builds a worker over queue, sharing disk's backend handle
// and driven by the deferred-flush tunables in cfg. logger is stored
// as given; Activate passes the device-level logger, so log lines carry
// the device but not the worker's queue index.
func NewWorker(queue *virtq.Queue, disk *DiskState, id deviceID, cfg config.Block, interrupt func(), logger *vlog.Logger) *Worker {
	return &Worker{
		queue:     queue,
		notify:    ioruntime.NewEvent(),
		resample:  ioruntime.NewEvent(),
		disk:      disk,
		shared:    NewWorkerSharedState(uint64(cfg.FlushDelay)),
		id:        id,
		interrupt: interrupt,
		logger:    logger,
		kill:      make(chan struct{}),
	}
}

// Notify signals the worker that new descriptors are available on its
// queue, the async analogue of a VIRTIO queue-notify doorbell write.
func (w *Worker) Notify() { w.notify.Signal() }

// Resample signals the worker that the guest has EOI'd this queue's
// interrupt vector, the async analogue of an irqfd resample event. A
// level-triggered interrupt with used entries still unconsumed is
// re-raised, since the EOI only means the guest looked, not that it
// drained the queue.
func (w *Worker) Resample() { w.resample.Signal() }

// Kill asks the worker's run loop to exit at its next select point.
func (w *Worker) Kill() { close(w.kill) }

// Run drives the worker until ctx is cancelled, the worker is killed,
// the queue's notify source closes, the control tube ends, the
// resample event closes, or the flush coordinator errors — whichever
// happens first, per the select_n contract used throughout this
// device: five arms race, the winner determines why the worker
// stopped, and the others are cancelled.
//
// Queue draining and queue re-notification share the same Event and
// the same loop, inside handleQueue, rather than being split into a
// separate arm: the notify Event can be re-armed with new descriptors
// while handleQueue's own drain loop is still inside Wait, so there's
// nothing a distinct arm would add.
func (w *Worker) Run(ctx context.Context, commands *ioruntime.Tube[ControlCommand], responses *ioruntime.Tube[ControlResponse], siblings []*WorkerSharedState, configChanged func()) (string, error) {
	return ioruntime.RunFirst(ctx,
		ioruntime.Arm{Name: "resample", Run: func(ctx context.Context) error {
			return handleResample(ctx, w.resample, w.queue, w.interrupt)
		}},
		ioruntime.Arm{Name: "queue", Run: func(ctx context.Context) error {
			return handleQueue(ctx, w.notify, w.queue, w.disk, w.shared, w.id, w.interrupt, w.logger)
		}},
		ioruntime.Arm{Name: "flush", Run: func(ctx context.Context) error {
			return runFlushCoordinator(ctx, w.shared, w.disk)
		}},
		ioruntime.Arm{Name: "control", Run: func(ctx context.Context) error {
			if commands == nil {
				<-ctx.Done()
				return ctx.Err()
			}
			return handleCommandTube(ctx, commands, responses, w.disk, siblings, configChanged)
		}},
		ioruntime.Arm{Name: "kill", Run: func(ctx context.Context) error {
			select {
			case <-w.kill:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	)
}

// handleResample waits for the guest to EOI this queue's interrupt
// vector and re-raises it if the used ring still holds entries the
// guest hasn't drained — a level-triggered IRQ only stops firing once
// the condition that raised it is gone, not merely once acknowledged.
func handleResample(ctx context.Context, resample *ioruntime.Event, queue *virtq.Queue, interrupt func()) error {
	for {
		if err := resample.NextVal(ctx); err != nil {
			return err
		}
		if len(queue.UsedEntries()) > 0 {
			interrupt()
		}
	}
}

// Device is the top-level virtio block device: its shared disk state
// and one worker per active queue.
type Device struct {
	Disk    *DiskState
	Cfg     config.Block
	ID      deviceID
	Logger  *vlog.Logger
	workers []*Worker

	// commands/responses are the client-side halves of the control
	// tube handed to workers[0] by Activate; Resize sends on commands
	// and awaits responses. Nil until Activate has run.
	commands  *ioruntime.Tube[ControlCommand]
	responses *ioruntime.Tube[ControlResponse]
}

// NewDevice builds a device around disk, with no workers yet; Activate
// spins up workers for the queues the guest negotiated. A nil logger
// falls back to a plain, timestamp-free logger so a Device built
// without one still logs instead of panicking.
func NewDevice(disk *DiskState, cfg config.Block, id deviceID, logger *vlog.Logger) *Device {
	if logger == nil {
		logger = vlog.New(false)
	}
	return &Device{Disk: disk, Cfg: cfg, ID: id, Logger: logger}
}

// Activate starts one worker per queue (or a single shared worker, if
// cfg.WorkerPerQueue is false and only queues[0] is used) and returns
// a cancel function that stops them all. Every worker is handed the
// other active workers' shared flush state, so a resize triggered
// through one worker's control tube can drain its siblings' in-flight
// flushes before resizing the disk underneath them.
//
// Only workers[0] is handed a live control tube: resize is a
// device-wide operation (it takes every worker's WorkerSharedState in
// turn, see resize in control.go), so routing it through more than one
// worker would just race two goroutines over the same commands tube
// for no benefit. Every other worker's control arm blocks on ctx done,
// per handleCommandTube's tube_opt-absent contract. configChanged is
// invoked once per successful resize, to raise the config-space
// change notification the guest is expected to observe.
func (d *Device) Activate(ctx context.Context, queues []*virtq.Queue, interrupt func(queueIdx int), configChanged func()) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	d.workers = d.workers[:0]
	deviceLogger := vlog.Device(d.Logger, string(d.ID), len(queues))

	if d.Cfg.WorkerPerQueue {
		for i, q := range queues {
			i := i
			w := NewWorker(q, d.Disk, d.ID, d.Cfg, func() { interrupt(i) }, deviceLogger)
			d.workers = append(d.workers, w)
		}
	} else if len(queues) > 0 {
		w := NewWorker(queues[0], d.Disk, d.ID, d.Cfg, func() { interrupt(0) }, deviceLogger)
		d.workers = append(d.workers, w)
	}

	siblings := make([]*WorkerSharedState, len(d.workers))
	for i, w := range d.workers {
		siblings[i] = w.shared
	}

	var commandsWorker *ioruntime.Tube[ControlCommand]
	var responsesWorker *ioruntime.Tube[ControlResponse]
	if len(d.workers) > 0 {
		d.commands, commandsWorker = ioruntime.NewTubePair[ControlCommand]()
		responsesWorker, d.responses = ioruntime.NewTubePair[ControlResponse]()
	}

	for i, w := range d.workers {
		if i == 0 {
			go w.Run(ctx, commandsWorker, responsesWorker, siblings, configChanged)
			continue
		}
		go w.Run(ctx, nil, nil, siblings, nil)
	}

	return func() {
		for _, w := range d.workers {
			w.Kill()
		}
		if d.commands != nil {
			d.commands.Close()
			d.responses.Close()
		}
		cancel()
	}, nil
}

// Resize sends a Resize command over the device's control tube and
// waits for the reply. Returns an error only if the control plane
// itself is unreachable (not activated, or the tube is closed); a
// rejected resize (read-only disk, backend failure) comes back as a
// ControlResponse with Ok false and Err set.
func (d *Device) Resize(ctx context.Context, newSize uint64) (ControlResponse, error) {
	if d.commands == nil {
		return ControlResponse{}, &ReceivingCommand{Cause: ErrNotActivated}
	}
	if err := d.commands.Send(ctx, ControlCommand{Resize: &ResizeCommand{NewSize: newSize}}); err != nil {
		return ControlResponse{}, err
	}
	return d.responses.Next(ctx)
}

// Features reports the VIRTIO feature bits this device currently
// advertises, derived from the disk's read-only/sparse state and the
// number of active queues.
func (d *Device) Features() uint64 {
	return Features(d.Disk.ReadOnly(), d.Disk.Sparse(), len(d.workers))
}

// Resample delivers an EOI-resample signal for queueIdx's worker, the
// hook the interrupt chip calls once it has recorded an EOI for this
// device's vector so a still-pending used entry gets re-raised.
func (d *Device) Resample(queueIdx int) {
	if queueIdx < 0 || queueIdx >= len(d.workers) {
		return
	}
	d.workers[queueIdx].Resample()
}

// Reset tears down all active workers, leaving the device ready for a
// fresh Activate call (a guest-triggered device reset).
func (d *Device) Reset() {
	for _, w := range d.workers {
		w.Kill()
	}
	d.workers = nil
}
