package block

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kvmgo/vmm/vmm/ioruntime"
)

// DiskState is the disk-level state shared between the control plane
// (resize) and every worker's request pipeline (reads of the current
// size for bounds checking). Size is tracked in its own atomic so the
// hot read path in execute_request never has to take the lock just to
// learn the current length; the lock guards the backend handle itself
// and the ReadOnly/Sparse flags, which change far less often than size
// is read.
//
// Lock ordering invariant: whenever both DiskState and
// WorkerSharedState must be held, DiskState is acquired first, in both
// the read and the write direction. The control-plane resize path takes
// both exclusively; the request pipeline holds DiskState's read lock
// while OUT and FLUSH take WorkerSharedState's lock.
type DiskState struct {
	mu ioruntime.RWMutex

	disk     AsyncDisk
	readOnly bool
	sparse   bool

	size atomic.Uint64
}

// NewDiskState wraps disk, snapshotting its current length. The
// request pipeline's range check (checkRange in request.go) is only
// as good as this snapshot, so a disk whose length can't be queried
// at construction time is a hard error rather than a silent 0.
func NewDiskState(ctx context.Context, disk AsyncDisk, readOnly bool) (*DiskState, error) {
	length, err := disk.GetLen(ctx)
	if err != nil {
		return nil, err
	}
	s := &DiskState{disk: disk, readOnly: readOnly, sparse: disk.Sparse()}
	s.size.Store(length)
	return s, nil
}

// Len returns the current disk length, lock-free.
func (s *DiskState) Len() uint64 { return s.size.Load() }

// setLen is called with mu held for writing, by the resize path only.
func (s *DiskState) setLen(n uint64) { s.size.Store(n) }

// ReadOnly reports whether mutating requests must be rejected.
func (s *DiskState) ReadOnly() bool {
	var ro bool
	s.mu.ReadLocked(func() { ro = s.readOnly })
	return ro
}

// Sparse reports whether DISCARD/WRITE_ZEROES punch real holes.
func (s *DiskState) Sparse() bool {
	var sp bool
	s.mu.ReadLocked(func() { sp = s.sparse })
	return sp
}

// Disk runs fn with the backend handle held for reading. Used by the
// request pipeline for every I/O operation; fn must not block
// indefinitely, as it holds the reader side of the lock for its
// duration and a pending resize writer would starve behind it only as
// long as fn runs.
func (s *DiskState) Disk(fn func(disk AsyncDisk)) {
	s.mu.ReadLocked(func() { fn(s.disk) })
}

// WorkerSharedState is the per-worker state guarding in-flight request
// accounting: the flush timer and whether a flush is currently pending,
// consulted by both the request pipeline (to arm/note the timer) and
// the flush coordinator goroutine (to decide whether there is anything
// to do). One instance exists per worker; DiskState is shared across
// all workers of a device.
type WorkerSharedState struct {
	mu ioruntime.RWMutex

	flushTimer  *ioruntime.Timer
	flushDelay  uint64 // nanoseconds; how long OUT arms the flush timer for
	pendingFlag bool
}

// NewWorkerSharedState builds per-worker state with the given deferred
// flush delay (nanoseconds), the one-shot duration an OUT request arms
// the flush timer for. FLUSH requests always fsync synchronously.
func NewWorkerSharedState(flushDelayNanos uint64) *WorkerSharedState {
	return &WorkerSharedState{
		flushTimer: ioruntime.NewTimer(),
		flushDelay: flushDelayNanos,
	}
}

// MarkPending records that a write has dirtied the disk since the last
// flush, returning the previous value. The request pipeline
// calls this under the write lock so it observes and flips the flag
// atomically with respect to the flush coordinator clearing it.
func (w *WorkerSharedState) MarkPending() (wasPending bool) {
	w.mu.Locked(func() {
		wasPending = w.pendingFlag
		w.pendingFlag = true
	})
	return wasPending
}

// ClearPending resets the pending flag, returning whether it was set.
// The flush coordinator calls this immediately before calling fsync —
// not after — so a write that completes mid-fsync is not lost: its OUT
// re-sets the flag and re-arms the timer.
func (w *WorkerSharedState) ClearPending() (wasPending bool) {
	w.mu.Locked(func() {
		wasPending = w.pendingFlag
		w.pendingFlag = false
	})
	return wasPending
}

// Timer returns the worker's flush timer.
func (w *WorkerSharedState) Timer() *ioruntime.Timer { return w.flushTimer }

// FlushDelay returns the configured deferred-flush delay in nanoseconds.
func (w *WorkerSharedState) FlushDelay() uint64 {
	var d uint64
	w.mu.ReadLocked(func() { d = w.flushDelay })
	return d
}

// flushDelayDuration is FlushDelay as a time.Duration, for arming the
// timer.
func (w *WorkerSharedState) flushDelayDuration() time.Duration {
	return time.Duration(w.FlushDelay())
}
