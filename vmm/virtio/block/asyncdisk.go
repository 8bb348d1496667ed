package block

import "context"

// AsyncDisk is the backend contract a block device worker drives. It
// mirrors the disk trait the request pipeline is specified against:
// scatter/gather I/O at a byte offset, fsync, hole-punching, zero-fill,
// length query/resize, and a raw-descriptor escape hatch for backends
// that hand descriptors to the hypervisor directly instead of being
// read/written in-process.
//
// Every method takes a context so a backend with its own cancellation
// (e.g. an io_uring ring, or a network-backed disk) can honour worker
// shutdown; RawDisk below never needs to check it because pread/pwrite
// on a local fd can't meaningfully be cancelled mid-syscall.
type AsyncDisk interface {
	ReadExactAt(ctx context.Context, buf []byte, offset uint64) error
	WriteAllAt(ctx context.Context, buf []byte, offset uint64) error
	Fsync(ctx context.Context) error
	PunchHole(ctx context.Context, offset uint64, length uint64) error
	WriteZeroesAt(ctx context.Context, offset uint64, length uint64) error
	GetLen(ctx context.Context) (uint64, error)
	SetLen(ctx context.Context, newLen uint64) error

	// Allocate reserves length bytes at offset without necessarily
	// zeroing them; used by the resize path after SetLen.
	Allocate(ctx context.Context, offset uint64, length uint64) error

	// Sparse reports whether PunchHole/Allocate are actually backed by
	// filesystem support, for config-space feature advertisement.
	Sparse() bool

	// RawDescriptors exposes the backing OS file descriptors, so a
	// caller that needs to preserve a disk across a fork/exec boundary
	// (rather than keep it open in this process) can do so. Nothing in
	// this worker pipeline currently forks; this exists because the
	// backend contract it's modeled on exposes it unconditionally.
	RawDescriptors() []int
}
