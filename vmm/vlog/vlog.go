// Package vlog is the structured logging facade for the block backend
// and the VCPU loop: a thin set of domain-specific helpers over
// logiface, using stumpy as the concrete event/writer implementation.
//
// The top-level VM/VCPU lifecycle code and the port I/O device models
// keep their own log.Printf call sites rather than being rewired
// through here.
package vlog

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is a *stumpy.Event logiface logger, aliased so call sites
// don't need to spell out the generic instantiation.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to stumpy's
// default writer (stderr), optionally disabling the time field for
// deterministic test output.
func New(includeTime bool) *Logger {
	opts := []stumpy.Option{}
	if !includeTime {
		opts = append(opts, stumpy.WithTimeField(""))
	}
	return stumpy.L.New(stumpy.L.WithStumpy(opts...))
}

// Device returns a child context with the block device's identity
// fields pre-populated, for every block-backend log call to embed.
func Device(l *Logger, deviceID string, queueCount int) *Logger {
	return l.Clone().Str("device_id", deviceID).Int("queue_count", queueCount).Logger()
}

// VCPU returns a child context tagged with a VCPU's id, for every
// vcpuloop log call.
func VCPU(l *Logger, id int) *Logger {
	return l.Clone().Int("vcpu_id", id).Logger()
}
