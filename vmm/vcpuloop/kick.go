package vcpuloop

import (
	"os"
	"os/signal"
	"runtime"

	"golang.org/x/sys/unix"
)

// kickSignal is the VCPU's immediate-exit signal: delivered to force a
// blocked KVM_RUN (or a parked WaitUntilRunnable) to return early so
// the loop can re-check its control channel. Using a real POSIX
// signal rather than a channel-only kick is what actually interrupts
// the KVM_RUN ioctl once it has entered the kernel; a channel alone
// cannot do that.
var kickSignal = unix.SIGRTMIN()

// Kicker delivers the kick signal to a specific OS thread, and reports
// the caller's own thread ID so the loop can register it once locked.
type Kicker struct {
	tid int32
	ch  chan os.Signal
}

// NewKicker registers for kickSignal on the calling goroutine. It calls
// runtime.LockOSThread itself, since the thread ID captured here is
// meaningless once the goroutine migrates.
func NewKicker() *Kicker {
	runtime.LockOSThread()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, kickSignal)
	return &Kicker{tid: int32(unix.Gettid()), ch: ch}
}

// Chan is signalled (possibly with coalescing) whenever this thread
// receives a kick. The loop does not need to read from it for
// correctness — Tgkill alone unblocks a pending syscall — but reading
// it prevents the channel silently dropping kicks that arrive between
// syscalls, which this loop's algorithm does not rely on but is
// harmless to drain.
func (k *Kicker) Chan() <-chan os.Signal { return k.ch }

// ThreadID is this kicker's OS thread id, to be handed to whatever
// holds the main-thread side of the VcpuControl channel so it can
// target Deliver at the right thread.
func (k *Kicker) ThreadID() int32 { return k.tid }

// Stop releases the signal registration.
func (k *Kicker) Stop() {
	signal.Stop(k.ch)
}

// Deliver sends the kick signal to the OS thread identified by tid.
func Deliver(tid int32) error {
	return unix.Tgkill(os.Getpid(), int(tid), kickSignal)
}
