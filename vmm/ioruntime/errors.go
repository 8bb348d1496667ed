// Package ioruntime provides the asynchronous primitives shared by every
// per-worker task in the block backend and control plane: a signalable
// Event, a rearmable Timer, a typed bidirectional Tube, a fair
// reader-writer async lock, and the select_n combinator used to multiplex
// them all in a worker's run loop.
//
// There is no cooperative single-thread executor here the way crosvm's
// async I/O runtime has one: Go's goroutines already are the
// suspendable units of work, scheduled by the runtime rather than by
// hand. What carries over is the primitive set and its
// suspension/cancellation contract, not the scheduler.
package ioruntime

import "errors"

// ErrClosed is returned by Event/Timer/Tube operations performed after Close.
var ErrClosed = errors.New("ioruntime: closed")

// TubeErrorKind classifies a Tube failure: a transport failure, a
// serialization failure, or the peer closing its end.
type TubeErrorKind int

const (
	TubeErrTransport TubeErrorKind = iota
	TubeErrSerialization
	TubeErrPeerClosed
)

func (k TubeErrorKind) String() string {
	switch k {
	case TubeErrTransport:
		return "transport"
	case TubeErrSerialization:
		return "serialization"
	case TubeErrPeerClosed:
		return "peer closed"
	default:
		return "unknown"
	}
}

// TubeError is returned by Tube.Send/Tube.Next.
type TubeError struct {
	Kind  TubeErrorKind
	Cause error
}

func (e *TubeError) Error() string {
	if e.Cause != nil {
		return "tube: " + e.Kind.String() + ": " + e.Cause.Error()
	}
	return "tube: " + e.Kind.String()
}

func (e *TubeError) Unwrap() error { return e.Cause }
