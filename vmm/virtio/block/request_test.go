package block

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvmgo/vmm/vmm/virtio/block/virtq"
)

func headerBytes(reqType uint32, sector uint64) []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], reqType)
	binary.LittleEndian.PutUint64(buf[8:16], sector)
	return buf
}

func TestProcessOneChainIn(t *testing.T) {
	disk := newFakeDisk(4096)
	copy(disk.data[512:], []byte("hello-sector-one"))

	chain := virtq.NewRequestChain(1, headerBytes(ReqIn, 1), 512)
	used, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.NoError(t, err)
	require.EqualValues(t, 513, used) // 512 data bytes + 1 status byte

	status, serr := chain.Writer.SplitStatus()
	_ = status
	require.Error(t, serr) // writer already fully consumed by processOneChain
}

func TestProcessOneChainOut(t *testing.T) {
	disk := newFakeDisk(4096)
	payload := make([]byte, 512)
	copy(payload, []byte("written-by-guest"))

	readable := append(headerBytes(ReqOut, 2), payload...)
	chain := virtq.NewRequestChain(2, readable, 0)

	used, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, used)
	require.Equal(t, payload, disk.data[1024:1536])
}

func TestProcessOneChainOutReadOnlyRejected(t *testing.T) {
	disk := newFakeDisk(4096)
	readable := append(headerBytes(ReqOut, 0), make([]byte, 512)...)
	chain := virtq.NewRequestChain(3, readable, 0)

	_, err := processOneChain(context.Background(), chain, disk, true, true, 4096, "", nil)
	require.Error(t, err)
	var ro *ReadOnly
	require.ErrorAs(t, err, &ro)
}

func TestProcessOneChainFlushSynchronous(t *testing.T) {
	disk := newFakeDisk(4096)
	chain := virtq.NewRequestChain(4, headerBytes(ReqFlush, 0), 0)

	_, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, disk.fsyncCalls)
}

func TestProcessOneChainGetIdUnsupportedWithoutID(t *testing.T) {
	disk := newFakeDisk(4096)
	chain := virtq.NewRequestChain(5, headerBytes(ReqGetId, 0), DeviceIDLen)

	_, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.Error(t, err)
	var unsupp *Unsupported
	require.ErrorAs(t, err, &unsupp)
}

func TestProcessOneChainGetIdConfigured(t *testing.T) {
	disk := newFakeDisk(4096)
	chain := virtq.NewRequestChain(6, headerBytes(ReqGetId, 0), DeviceIDLen)

	used, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "disk-serial-1", nil)
	require.NoError(t, err)
	require.EqualValues(t, DeviceIDLen+1, used)
}

func TestProcessOneChainUnknownType(t *testing.T) {
	disk := newFakeDisk(4096)
	chain := virtq.NewRequestChain(7, headerBytes(99, 0), 0)

	_, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.Error(t, err)
	var unsupp *Unsupported
	require.ErrorAs(t, err, &unsupp)
}

func TestProcessOneChainMissingStatus(t *testing.T) {
	disk := newFakeDisk(4096)
	chain := &virtq.DescriptorChain{
		ID:     8,
		Reader: virtq.NewChainReader(headerBytes(ReqFlush, 0)),
		Writer: virtq.NewChainWriter(nil),
	}

	_, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.Error(t, err)
	var ms *MissingStatus
	require.ErrorAs(t, err, &ms)
}

func TestDiscardRejectsIllegalFlags(t *testing.T) {
	disk := newFakeDisk(4096)
	seg := make([]byte, 16)
	binary.LittleEndian.PutUint32(seg[12:16], 0xFFFF)
	readable := append(headerBytes(ReqDiscard, 0), seg...)
	chain := virtq.NewRequestChain(9, readable, 0)

	_, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.Error(t, err)
	var dwz *DiscardWriteZeroes
	require.ErrorAs(t, err, &dwz)
}

func TestDiscardPunchesHole(t *testing.T) {
	disk := newFakeDisk(4096)
	seg := make([]byte, 16)
	binary.LittleEndian.PutUint32(seg[8:12], 2) // num_sectors
	readable := append(headerBytes(ReqDiscard, 0), seg...)
	chain := virtq.NewRequestChain(10, readable, 0)

	_, err := processOneChain(context.Background(), chain, disk, false, true, 4096, "", nil)
	require.NoError(t, err)
	require.Len(t, disk.holes, 1)
	require.EqualValues(t, 2*SectorSize, disk.holes[0].length)
}
