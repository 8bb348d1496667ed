package vcpuloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/kvmgo/vmm/vmm/vlog"
)

// ExitKind classifies one hypervisor exit, decoupling this package
// from the concrete ioctl/mmap plumbing in vmm/hypervisor so the loop
// algorithm can be exercised without a real KVM fd.
type ExitKind int

const (
	ExitIO ExitKind = iota
	ExitMMIO
	ExitRdMsr
	ExitWrMsr
	ExitIoapicEoi
	ExitHlt
	ExitShutdown
	ExitSystemEventShutdown
	ExitSystemEventReset
	ExitSystemEventCrash
	ExitFailEntry
	ExitDebug
	ExitBusLock
	ExitEINTR
	ExitEAGAIN
	ExitUnknown
)

// HypervisorExit is the decoded result of one vcpu.Run call.
type HypervisorExit struct {
	Kind ExitKind

	IOPort   uint16
	IOWrite  bool
	IOData   []byte
	MMIOAddr uint64
	MMIOData []byte
	MMIOWrite bool

	MsrIndex uint32
	MsrData  uint64

	EOIVector uint8

	HwReason uint64
}

// Bus satisfies one side of the I/O or MMIO dispatch: Read fills data
// with whatever device matches addr/port (left zero-filled if none
// do); Write delivers data to whatever device matches.
type Bus interface {
	Read(addr uint64, data []byte)
	Write(addr uint64, data []byte)
}

// VCPU is the subset of the hypervisor binding the loop drives: enter
// the hypervisor once, and the two distinct ways of clearing a pending
// kick once the loop has observed one (hypervisor-signal masking vs. an
// in-memory immediate-exit flag, depending on platform).
type VCPU interface {
	Run() (*HypervisorExit, error)
	ClearPendingKick() error
	Snapshot() ([]byte, error)
	Restore(data []byte) error
	RaisePriority() error
}

// Debugger is the optional debugger bridge hook; a nil Debugger is
// legal and Debug messages/exits are then logged and ignored.
type Debugger interface {
	HandleDebug(payload []byte)
	EnterBreakpoint()
}

// ParavirtClock is the hook invoked when suspending, so the guest's
// soft-lockup watchdog does not fire across the wall-clock gap a
// suspend/resume cycle introduces. Platforms without this concept
// leave it nil.
type ParavirtClock interface {
	PauseAcrossSuspend()
}

// Loop is one VCPU's run loop: its mode, its hypervisor handle, the
// two buses, the interrupt chip, and the channel the main thread sends
// Control messages on.
type Loop struct {
	ID int

	VCPU    VCPU
	IO      Bus
	MMIO    Bus
	Chip    InterruptChip
	Control <-chan Control

	MSRs      MSRMap
	BusLock   *BusLockThrottle
	Debugger  Debugger
	Clock     ParavirtClock
	Logger    *vlog.Logger

	mode               RunMode
	interruptedBySignal bool
	runRTDeferred      bool
}

// NewLoop builds a Loop starting in Running mode. A nil logger falls
// back to a plain, timestamp-free logger tagged with id, so a Loop
// built without one still logs instead of panicking.
func NewLoop(id int, vcpu VCPU, io, mmio Bus, chip InterruptChip, control <-chan Control, logger *vlog.Logger) *Loop {
	if logger == nil {
		logger = vlog.New(false)
	}
	return &Loop{ID: id, VCPU: vcpu, IO: io, MMIO: mmio, Chip: chip, Control: control, mode: Running, Logger: vlog.VCPU(logger, id)}
}

// Run drives the loop until a terminal exit state is reached.
func (l *Loop) Run() ExitState {
	for {
		if l.interruptedBySignal || l.mode != Running {
			if state, terminal := l.drainControl(); terminal {
				return state
			}
		}

		interrupted := l.Chip.WaitUntilRunnable(l.ID)
		if interrupted {
			l.interruptedBySignal = true
		} else {
			exit, err := l.VCPU.Run()
			if err != nil {
				switch {
				case errors.Is(err, errEINTR):
					l.interruptedBySignal = true
				case errors.Is(err, errEAGAIN):
					continue
				default:
					l.Logger.Err().Err(err).Log("run failed")
					return Crash
				}
			} else if state, terminal := l.dispatchExit(exit); terminal {
				return state
			}
		}

		if l.interruptedBySignal {
			if err := l.VCPU.ClearPendingKick(); err != nil {
				l.Logger.Err().Err(err).Log("clearing pending kick failed")
				return Crash
			}
		}

		if err := l.Chip.InjectPending(l.ID); err != nil {
			l.Logger.Err().Err(err).Log("injecting pending interrupt failed")
		}
	}
}

// drainControl repeatedly services queued Control messages until the
// queue runs dry with the loop back in Running mode (the state loop's
// exit condition), blocking on the channel only while mode is not
// Running. It returns terminal=true with the ExitState to return from
// Run when Exiting is observed.
func (l *Loop) drainControl() (state ExitState, terminal bool) {
	for {
		var msg Control
		var ok bool
		select {
		case msg, ok = <-l.Control:
			if !ok {
				return Crash, true
			}
		default:
			if l.mode == Running {
				l.interruptedBySignal = false
				return 0, false
			}
			msg, ok = <-l.Control
			if !ok {
				return Crash, true
			}
		}

		if terminalState, isTerminal := l.applyControl(msg); isTerminal {
			return terminalState, true
		}
	}
}

func (l *Loop) applyControl(msg Control) (ExitState, bool) {
	switch {
	case msg.RunState != nil:
		l.mode = *msg.RunState
		switch l.mode {
		case Suspending:
			if l.Clock != nil {
				l.Clock.PauseAcrossSuspend()
			}
		case Exiting:
			return Stop, true
		}
	case msg.MakeRT:
		if l.runRTDeferred {
			if err := l.VCPU.RaisePriority(); err != nil {
				l.Logger.Err().Err(err).Log("raising scheduling priority failed")
			}
			l.runRTDeferred = false
		}
	case msg.GetStates != nil:
		msg.GetStates <- l.mode
	case msg.Snapshot != nil:
		data, err := l.VCPU.Snapshot()
		msg.Snapshot.Reply <- SnapshotResult{Data: data, Err: err}
	case msg.Restore != nil:
		err := l.VCPU.Restore(msg.Restore.Data)
		msg.Restore.Reply <- err
	case msg.Debug != nil:
		if l.Debugger != nil {
			l.Debugger.HandleDebug(msg.Debug)
		}
	}
	return 0, false
}

func (l *Loop) dispatchExit(exit *HypervisorExit) (state ExitState, terminal bool) {
	switch exit.Kind {
	case ExitIO:
		data := clamp8(exit.IOData)
		if exit.IOWrite {
			l.IO.Write(uint64(exit.IOPort), data)
		} else {
			l.IO.Read(uint64(exit.IOPort), data)
		}

	case ExitMMIO:
		data := clamp8(exit.MMIOData)
		if exit.MMIOWrite {
			l.MMIO.Write(exit.MMIOAddr, data)
		} else {
			l.MMIO.Read(exit.MMIOAddr, data)
		}

	case ExitRdMsr:
		if v, ok := l.MSRs.read(exit.MsrIndex); ok {
			exit.MsrData = v
		}

	case ExitWrMsr:
		l.MSRs.write(exit.MsrIndex, exit.MsrData)

	case ExitIoapicEoi:
		l.Chip.BroadcastEOI(exit.EOIVector)

	case ExitHlt:
		l.Chip.NotifyHalted(l.ID)

	case ExitShutdown, ExitSystemEventShutdown, ExitSystemEventCrash:
		return Stop, true

	case ExitSystemEventReset:
		return Reset, true

	case ExitFailEntry:
		l.Logger.Err().Int("hw_reason", int(exit.HwReason)).Log("KVM_EXIT_FAIL_ENTRY")
		return Crash, true

	case ExitDebug:
		l.mode = Breakpoint
		if l.Debugger != nil {
			l.Debugger.EnterBreakpoint()
		}

	case ExitBusLock:
		if l.BusLock != nil {
			if d := l.BusLock.SleepDuration(l.ID); d > 0 {
				time.Sleep(d)
			}
		}

	default:
		l.Logger.Warning().Int("exit_kind", int(exit.Kind)).Log("unrecognised exit kind")
	}
	return 0, false
}

func clamp8(data []byte) []byte {
	if len(data) > 8 {
		return data[:8]
	}
	return data
}

var (
	errEINTR  = fmt.Errorf("vcpuloop: EINTR")
	errEAGAIN = fmt.Errorf("vcpuloop: EAGAIN")
)

// ErrEINTR and ErrEAGAIN let a VCPU implementation signal the two
// transport error cases the loop treats specially, via errors.Is.
var (
	ErrEINTR  = errEINTR
	ErrEAGAIN = errEAGAIN
)
