package block

import (
	"encoding/binary"

	"github.com/kvmgo/vmm/vmm/config"
)

// Request types, from the VIRTIO block specification.
const (
	ReqIn            uint32 = 0
	ReqOut           uint32 = 1
	ReqFlush         uint32 = 4
	ReqGetId         uint32 = 8
	ReqDiscard       uint32 = 11
	ReqWriteZeroes   uint32 = 13
)

// SectorSize is the fixed VIRTIO block sector size.
const SectorSize = 512

// Feature bits this device advertises.
const (
	FeatureSizeMax     uint64 = 1 << 1
	FeatureSegMax      uint64 = 1 << 2
	FeatureRO          uint64 = 1 << 5
	FeatureBlkSize     uint64 = 1 << 6
	FeatureFlush       uint64 = 1 << 9
	FeatureMQ          uint64 = 1 << 12
	FeatureDiscard     uint64 = 1 << 13
	FeatureWriteZeroes uint64 = 1 << 14
)

// Features assembles the feature bits this device advertises for a
// disk with the given read-only/sparse state and queue count.
// SEG_MAX and BLK_SIZE are unconditional; FLUSH, WRITE_ZEROES and
// (when the disk is sparse) DISCARD are withheld from a read-only
// device, which advertises RO instead; MQ is only set once more than
// one queue is active.
func Features(readOnly, sparse bool, numQueues int) uint64 {
	features := FeatureSegMax | FeatureBlkSize
	if readOnly {
		features |= FeatureRO
	} else {
		features |= FeatureFlush | FeatureWriteZeroes
		if sparse {
			features |= FeatureDiscard
		}
	}
	if numQueues > 1 {
		features |= FeatureMQ
	}
	return features
}

// WriteZeroesFlagUnmap is the only legal flag bit in a WRITE_ZEROES
// request; any other bit set is a malformed request.
const WriteZeroesFlagUnmap uint32 = 1 << 0

// DiscardSegment is the 16-byte payload of one DISCARD/WRITE_ZEROES
// segment: sector, number of 512-byte sectors, and flags.
type DiscardSegment struct {
	Sector     uint64
	NumSectors uint32
	Flags      uint32
}

// DeviceIDLen is the fixed response length for GET_ID: a 20-byte,
// NUL-padded ASCII serial.
const DeviceIDLen = 20

// ConfigSpace is the VIRTIO block device's configuration space layout:
// capacity in sectors, plus the optional feature-gated fields this
// device exposes (no topology/geometry fields, which this
// implementation never advertises).
type ConfigSpace struct {
	Capacity        uint64
	SizeMax         uint32
	SegMax          uint32
	BlkSize         uint32
	MaxDiscardSectors uint32
	MaxDiscardSegs    uint32
	DiscardSectorAlign uint32
	MaxWriteZeroesSectors uint32
	MaxWriteZeroesSegs    uint32
	WriteZeroesMayUnmap   uint8
}

// BuildConfigSpace derives the configuration space from the current
// disk length and the tunables in Config.
func BuildConfigSpace(diskLen uint64, cfg config.Block) ConfigSpace {
	return ConfigSpace{
		Capacity:              diskLen / SectorSize,
		SizeMax:               0,
		SegMax:                cfg.QueueSize - 2,
		BlkSize:               SectorSize,
		MaxDiscardSectors:     ^uint32(0),
		MaxDiscardSegs:        32,
		DiscardSectorAlign:    cfg.DiscardAlignmentSectors,
		MaxWriteZeroesSectors: ^uint32(0),
		MaxWriteZeroesSegs:    32,
		WriteZeroesMayUnmap:   1,
	}
}

// Bytes serialises the configuration space in VIRTIO (little-endian)
// byte order, for a device's config-space read handler.
func (c ConfigSpace) Bytes() []byte {
	buf := make([]byte, 8+4*8+1)
	binary.LittleEndian.PutUint64(buf[0:8], c.Capacity)
	binary.LittleEndian.PutUint32(buf[8:12], c.SizeMax)
	binary.LittleEndian.PutUint32(buf[12:16], c.SegMax)
	binary.LittleEndian.PutUint32(buf[16:20], c.BlkSize)
	binary.LittleEndian.PutUint32(buf[20:24], c.MaxDiscardSectors)
	binary.LittleEndian.PutUint32(buf[24:28], c.MaxDiscardSegs)
	binary.LittleEndian.PutUint32(buf[28:32], c.DiscardSectorAlign)
	binary.LittleEndian.PutUint32(buf[32:36], c.MaxWriteZeroesSectors)
	binary.LittleEndian.PutUint32(buf[36:40], c.MaxWriteZeroesSegs)
	buf[40] = c.WriteZeroesMayUnmap
	return buf
}
