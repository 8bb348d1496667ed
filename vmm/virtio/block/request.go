package block

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/kvmgo/vmm/vmm/virtio/block/virtq"
)

// header is the 16-byte VIRTIO block request header: type, reserved,
// and the starting sector.
type header struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const headerLen = 16

func readHeader(r io.Reader) (header, error) {
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return header{}, &Read{Cause: err}
	}
	return header{
		Type:     binary.LittleEndian.Uint32(buf[0:4]),
		Reserved: binary.LittleEndian.Uint32(buf[4:8]),
		Sector:   binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

func readDiscardSegment(r io.Reader) (DiscardSegment, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return DiscardSegment{}, &Read{Cause: err}
	}
	return DiscardSegment{
		Sector:     binary.LittleEndian.Uint64(buf[0:8]),
		NumSectors: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:      binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// checkedShl9 computes v<<9 (sectors to bytes), failing instead of
// wrapping if the shift would overflow 64 bits.
func checkedShl9(v uint64) (uint64, bool) {
	const shift = 9
	if v > (^uint64(0) >> shift) {
		return 0, false
	}
	return v << shift, true
}

// checkedAdd computes a+b, failing instead of wrapping on overflow.
func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// checkRange fails with OutOfRange unless [offset, offset+length) fits
// entirely within a disk of size diskSize, using checked addition so
// an offset/length pair that would itself overflow is also rejected.
func checkRange(offset, length, diskSize uint64) error {
	end, ok := checkedAdd(offset, length)
	if !ok || end > diskSize {
		return &OutOfRange{Offset: offset, Length: length, DiskLen: diskSize}
	}
	return nil
}

// deviceID is the configured GET_ID response; empty means unconfigured
// and GET_ID is unsupported.
type deviceID string

// executeRequest dispatches one parsed request header against disk,
// reading any OUT/DISCARD payload from chain.Reader and writing any
// response payload to dataWriter (the chain's writer, short by one
// byte reserved for the status code). diskSize and sparse are the
// disk's current length and hole-punching support, snapshotted by the
// caller under DiskState's read lock before I/O starts. It returns an
// error implementing requestError, or nil on success; the used length
// is computed by processOneChain.
func executeRequest(
	ctx context.Context,
	h header,
	chainReader *virtq.ChainReader,
	dataWriter *virtq.ChainWriter,
	disk AsyncDisk,
	readOnly bool,
	sparse bool,
	diskSize uint64,
	id deviceID,
	shared *WorkerSharedState,
) error {
	switch h.Type {
	case ReqIn:
		length := dataWriter.AvailableBytes()
		if length == 0 {
			return nil
		}
		offset, ok := checkedShl9(h.Sector)
		if !ok {
			return &OutOfRange{Offset: h.Sector, Length: uint64(length), DiskLen: diskSize}
		}
		if err := checkRange(offset, uint64(length), diskSize); err != nil {
			return err
		}
		buf := make([]byte, length)
		if err := disk.ReadExactAt(ctx, buf, offset); err != nil {
			return &ReadIo{Length: uint64(length), Sector: h.Sector, Backend: err}
		}
		if _, err := dataWriter.Write(buf); err != nil {
			return &ReadIo{Length: uint64(length), Sector: h.Sector, Backend: err}
		}
		return nil

	case ReqOut:
		if readOnly {
			return &ReadOnly{Type: h.Type}
		}
		length := chainReader.Remaining()
		if length == 0 {
			return nil
		}
		offset, ok := checkedShl9(h.Sector)
		if !ok {
			return &OutOfRange{Offset: h.Sector, Length: uint64(length), DiskLen: diskSize}
		}
		if err := checkRange(offset, uint64(length), diskSize); err != nil {
			return err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(chainReader, buf); err != nil {
			return &WriteIo{Length: uint64(length), Sector: h.Sector, Backend: err}
		}
		if err := disk.WriteAllAt(ctx, buf, offset); err != nil {
			return &WriteIo{Length: uint64(length), Sector: h.Sector, Backend: err}
		}
		// Arm the deferred-flush timer on the false-to-true edge only;
		// an already-armed OUT, or one since cleared by a FLUSH, leaves
		// the timer as MarkPending finds it.
		if shared != nil {
			if !shared.MarkPending() {
				shared.Timer().Reset(shared.flushDelayDuration(), 0)
			}
		}
		return nil

	case ReqFlush:
		if err := disk.Fsync(ctx); err != nil {
			return &Flush{Backend: err}
		}
		if shared != nil {
			if shared.ClearPending() {
				shared.Timer().Clear()
			}
		}
		return nil

	case ReqGetId:
		if id == "" {
			return &Unsupported{Type: h.Type}
		}
		buf := make([]byte, DeviceIDLen)
		copy(buf, id)
		if _, err := dataWriter.Write(buf); err != nil {
			return &CopyId{Cause: err}
		}
		return nil

	case ReqDiscard, ReqWriteZeroes:
		if readOnly {
			return &ReadOnly{Type: h.Type}
		}
		validFlags := uint32(0)
		if h.Type == ReqWriteZeroes {
			validFlags = WriteZeroesFlagUnmap
		}
		for chainReader.Remaining() >= 16 {
			seg, err := readDiscardSegment(chainReader)
			if err != nil {
				return err
			}
			if seg.Flags&^validFlags != 0 {
				return &DiscardWriteZeroes{Sector: seg.Sector, NumSectors: seg.NumSectors, Flags: seg.Flags}
			}
			segOffset, ok := checkedShl9(seg.Sector)
			if !ok {
				return &OutOfRange{Offset: seg.Sector, DiskLen: diskSize}
			}
			segLen, ok := checkedShl9(uint64(seg.NumSectors))
			if !ok {
				return &OutOfRange{Length: uint64(seg.NumSectors), DiskLen: diskSize}
			}
			if err := checkRange(segOffset, segLen, diskSize); err != nil {
				return err
			}
			if h.Type == ReqDiscard {
				if !sparse {
					// Discard is a hint; nothing to do on a non-sparse disk.
					continue
				}
				// Ignored: hole-punching is best-effort, not every
				// filesystem supports it.
				_ = disk.PunchHole(ctx, segOffset, segLen)
				continue
			}
			if err := disk.WriteZeroesAt(ctx, segOffset, segLen); err != nil {
				return &DiscardWriteZeroes{Sector: seg.Sector, NumSectors: seg.NumSectors, Flags: seg.Flags, Backend: err}
			}
		}
		return nil

	default:
		return &Unsupported{Type: h.Type}
	}
}

// processOneChain handles a single popped descriptor chain end to end:
// parse the header, split off the status byte, dispatch, and write the
// status. The used length returned to the caller is always the
// writer's available-bytes count observed before dispatch — independent
// of the eventual status — plus the one status byte.
func processOneChain(
	ctx context.Context,
	chain *virtq.DescriptorChain,
	disk AsyncDisk,
	readOnly bool,
	sparse bool,
	diskSize uint64,
	id deviceID,
	shared *WorkerSharedState,
) (usedLen uint32, err error) {
	h, err := readHeader(chain.Reader)
	if err != nil {
		return 0, err
	}

	statusWriter, splitErr := chain.Writer.SplitStatus()
	if splitErr != nil {
		return 0, &MissingStatus{}
	}

	preDispatchLen := chain.Writer.AvailableBytes()

	reqErr := executeRequest(ctx, h, chain.Reader, chain.Writer, disk, readOnly, sparse, diskSize, id, shared)

	status := StatusOK
	if reqErr != nil {
		if re, ok := reqErr.(requestError); ok {
			status = re.Status()
		} else {
			status = StatusIOErr
		}
	}
	if _, werr := statusWriter.Write([]byte{byte(status)}); werr != nil {
		if reqErr != nil {
			return uint32(preDispatchLen), reqErr
		}
		return uint32(preDispatchLen), &WriteStatus{Cause: werr}
	}

	return uint32(preDispatchLen) + 1, reqErr
}
