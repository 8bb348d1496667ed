package ioruntime

import "sync"

// RWMutex is the async reader-writer mutex used to order resize against
// in-flight requests (see block.DiskState / block.WorkerSharedState).
//
// Go's sync.RWMutex already gives the fairness property needed here:
// once a writer calls Lock, subsequently-arriving RLock callers block
// behind it rather than continuing to starve it, and while a writer
// holds the lock no reader observes partially updated state. This is a
// thin, context-free wrapper rather than a reimplementation — the type
// exists to give call sites the vocabulary the request pipeline and
// control plane use (ReadLock/Lock) and a single place to add
// instrumentation.
type RWMutex struct {
	mu sync.RWMutex
}

// ReadLocked runs fn while holding the shared (reader) lock.
func (m *RWMutex) ReadLocked(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn()
}

// Locked runs fn while holding the exclusive (writer) lock.
func (m *RWMutex) Locked(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// RLock/RUnlock and Lock/Unlock are exposed directly for call sites that
// need to hold the lock across more than one statement (e.g. the request
// pipeline, which holds DiskState's and WorkerSharedState's read locks for
// the entire duration of execute_request).
func (m *RWMutex) RLock()   { m.mu.RLock() }
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }
func (m *RWMutex) Lock()    { m.mu.Lock() }
func (m *RWMutex) Unlock()  { m.mu.Unlock() }
