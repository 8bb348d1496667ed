package block

import (
	"errors"
	"fmt"
)

// ErrNotActivated is returned by Device.Resize before Activate has run.
var ErrNotActivated = errors.New("block: device not activated")

// Status is a VIRTIO block status byte.
type Status uint8

const (
	StatusOK     Status = 0
	StatusIOErr  Status = 1
	StatusUnsupp Status = 2
)

// requestError is the closed taxonomy of request-processing failures.
// Every concrete type below implements it; Status reports which VIRTIO
// status byte the error maps to and Error satisfies the error interface.
//
// Shaped after github.com/joeycumines/go-eventloop's error types
// (TypeError/RangeError/TimeoutError): small structs carrying a Cause and
// an Unwrap method, rather than sentinel values, so errors.As can recover
// the structured detail (e.g. which request type was unsupported) at the
// log call site.
type requestError interface {
	error
	Status() Status
}

type (
	// CopyId is returned when copying a configured device ID into the
	// response buffer fails.
	CopyId struct{ Cause error }

	// DiscardWriteZeroes is returned for a malformed DISCARD/WRITE_ZEROES
	// segment: an illegal flag bit, or a backend failure executing it.
	DiscardWriteZeroes struct {
		Sector     uint64
		NumSectors uint32
		Flags      uint32
		Backend    error
	}

	// Flush is returned when fsync fails.
	Flush struct{ Backend error }

	// MissingStatus is returned when a descriptor chain's writer has no
	// byte left to carry the status code.
	MissingStatus struct{}

	// OutOfRange is returned when a request's sector/length falls outside
	// the disk, or the sector-to-byte shift overflows.
	OutOfRange struct {
		Offset  uint64
		Length  uint64
		DiskLen uint64
	}

	// Read is returned when the 16-byte request header can't be read.
	Read struct{ Cause error }

	// ReadIo is returned when a disk read fails partway through.
	ReadIo struct {
		Length  uint64
		Sector  uint64
		Backend error
	}

	// ReadOnly is returned when a mutating request targets a read-only
	// device.
	ReadOnly struct{ Type uint32 }

	// ReceivingCommand is returned when the control tube fails to
	// receive a command.
	ReceivingCommand struct{ Cause error }

	// SendingResponse is returned when the control tube fails to send a
	// reply.
	SendingResponse struct{ Cause error }

	// TimerReset is returned when rearming the flush timer fails.
	TimerReset struct{ Cause error }

	// Unsupported is returned for an unrecognised request type, and for
	// GET_ID when no device ID is configured.
	Unsupported struct{ Type uint32 }

	// WriteIo is returned when a disk write fails partway through.
	WriteIo struct {
		Length  uint64
		Sector  uint64
		Backend error
	}

	// WriteStatus is returned when writing the status byte itself fails.
	WriteStatus struct{ Cause error }
)

func (e *CopyId) Error() string    { return fmt.Sprintf("block: copy id: %v", e.Cause) }
func (e *CopyId) Unwrap() error    { return e.Cause }
func (e *CopyId) Status() Status   { return StatusIOErr }

func (e *DiscardWriteZeroes) Error() string {
	return fmt.Sprintf("block: discard/write_zeroes sector=%d num_sectors=%d flags=0x%x: %v",
		e.Sector, e.NumSectors, e.Flags, e.Backend)
}
func (e *DiscardWriteZeroes) Unwrap() error  { return e.Backend }
func (e *DiscardWriteZeroes) Status() Status { return StatusIOErr }

func (e *Flush) Error() string  { return fmt.Sprintf("block: flush: %v", e.Backend) }
func (e *Flush) Unwrap() error  { return e.Backend }
func (e *Flush) Status() Status { return StatusIOErr }

func (e *MissingStatus) Error() string  { return "block: descriptor chain has no status byte" }
func (e *MissingStatus) Status() Status { return StatusIOErr }

func (e *OutOfRange) Error() string {
	return fmt.Sprintf("block: out of range: offset=%d length=%d disk_len=%d", e.Offset, e.Length, e.DiskLen)
}
func (e *OutOfRange) Status() Status { return StatusIOErr }

func (e *Read) Error() string  { return fmt.Sprintf("block: read header: %v", e.Cause) }
func (e *Read) Unwrap() error  { return e.Cause }
func (e *Read) Status() Status { return StatusIOErr }

func (e *ReadIo) Error() string {
	return fmt.Sprintf("block: read io length=%d sector=%d: %v", e.Length, e.Sector, e.Backend)
}
func (e *ReadIo) Unwrap() error  { return e.Backend }
func (e *ReadIo) Status() Status { return StatusIOErr }

func (e *ReadOnly) Error() string  { return fmt.Sprintf("block: read-only device, request type %d", e.Type) }
func (e *ReadOnly) Status() Status { return StatusIOErr }

func (e *ReceivingCommand) Error() string { return fmt.Sprintf("block: receiving command: %v", e.Cause) }
func (e *ReceivingCommand) Unwrap() error  { return e.Cause }
func (e *ReceivingCommand) Status() Status { return StatusIOErr }

func (e *SendingResponse) Error() string { return fmt.Sprintf("block: sending response: %v", e.Cause) }
func (e *SendingResponse) Unwrap() error  { return e.Cause }
func (e *SendingResponse) Status() Status { return StatusIOErr }

func (e *TimerReset) Error() string  { return fmt.Sprintf("block: resetting flush timer: %v", e.Cause) }
func (e *TimerReset) Unwrap() error  { return e.Cause }
func (e *TimerReset) Status() Status { return StatusIOErr }

func (e *Unsupported) Error() string  { return fmt.Sprintf("block: unsupported request type %d", e.Type) }
func (e *Unsupported) Status() Status { return StatusUnsupp }

func (e *WriteIo) Error() string {
	return fmt.Sprintf("block: write io length=%d sector=%d: %v", e.Length, e.Sector, e.Backend)
}
func (e *WriteIo) Unwrap() error  { return e.Backend }
func (e *WriteIo) Status() Status { return StatusIOErr }

func (e *WriteStatus) Error() string { return fmt.Sprintf("block: write status byte: %v", e.Cause) }
func (e *WriteStatus) Unwrap() error { return e.Cause }
func (e *WriteStatus) Status() Status { return StatusIOErr }

var (
	_ requestError = (*CopyId)(nil)
	_ requestError = (*DiscardWriteZeroes)(nil)
	_ requestError = (*Flush)(nil)
	_ requestError = (*MissingStatus)(nil)
	_ requestError = (*OutOfRange)(nil)
	_ requestError = (*Read)(nil)
	_ requestError = (*ReadIo)(nil)
	_ requestError = (*ReadOnly)(nil)
	_ requestError = (*ReceivingCommand)(nil)
	_ requestError = (*SendingResponse)(nil)
	_ requestError = (*TimerReset)(nil)
	_ requestError = (*Unsupported)(nil)
	_ requestError = (*WriteIo)(nil)
	_ requestError = (*WriteStatus)(nil)
)
