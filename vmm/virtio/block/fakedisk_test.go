package block

import (
	"context"
	"sync"
)

// fakeDisk is an in-memory AsyncDisk for tests: a growable byte slice
// guarded by its own mutex, with fsync/punch-hole/zero-fill call
// counters the test suite asserts against.
type fakeDisk struct {
	mu   sync.Mutex
	data []byte

	fsyncCalls int
	holes      []struct{ offset, length uint64 }
}

func newFakeDisk(size int) *fakeDisk {
	return &fakeDisk{data: make([]byte, size)}
}

func (d *fakeDisk) ReadExactAt(_ context.Context, buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset+uint64(len(buf)) > uint64(len(d.data)) {
		return &OutOfRange{Offset: offset, Length: uint64(len(buf)), DiskLen: uint64(len(d.data))}
	}
	copy(buf, d.data[offset:])
	return nil
}

func (d *fakeDisk) WriteAllAt(_ context.Context, buf []byte, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset+uint64(len(buf)) > uint64(len(d.data)) {
		return &OutOfRange{Offset: offset, Length: uint64(len(buf)), DiskLen: uint64(len(d.data))}
	}
	copy(d.data[offset:], buf)
	return nil
}

func (d *fakeDisk) Fsync(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fsyncCalls++
	return nil
}

func (d *fakeDisk) PunchHole(_ context.Context, offset uint64, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holes = append(d.holes, struct{ offset, length uint64 }{offset, length})
	for i := offset; i < offset+length && i < uint64(len(d.data)); i++ {
		d.data[i] = 0
	}
	return nil
}

func (d *fakeDisk) WriteZeroesAt(ctx context.Context, offset uint64, length uint64) error {
	return d.PunchHole(ctx, offset, length)
}

func (d *fakeDisk) GetLen(context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.data)), nil
}

func (d *fakeDisk) SetLen(_ context.Context, newLen uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if newLen > uint64(len(d.data)) {
		d.data = append(d.data, make([]byte, newLen-uint64(len(d.data)))...)
	} else {
		d.data = d.data[:newLen]
	}
	return nil
}

func (d *fakeDisk) Allocate(context.Context, uint64, uint64) error { return nil }

func (d *fakeDisk) Sparse() bool { return true }

func (d *fakeDisk) RawDescriptors() []int { return nil }

var _ AsyncDisk = (*fakeDisk)(nil)
