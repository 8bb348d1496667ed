package vcpuloop

// InterruptChip is the interrupt controller a VCPU loop consults each
// iteration: whether it's safe to run, whether the CPU should be
// treated as halted, broadcast EOI for IOAPIC-routed interrupts, and
// injecting any pending vector before the next KVM_RUN.
type InterruptChip interface {
	// WaitUntilRunnable blocks until the VCPU may re-enter the
	// hypervisor, returning true if it was instead interrupted (e.g.
	// woken by a kick with no interrupt actually pending).
	WaitUntilRunnable(vcpuID int) (interrupted bool)

	// NotifyHalted tells the chip this CPU executed HLT, so a
	// subsequent interrupt wakes it via WaitUntilRunnable.
	NotifyHalted(vcpuID int)

	// BroadcastEOI delivers an IOAPIC end-of-interrupt for vector to
	// every chip that routes it.
	BroadcastEOI(vector uint8)

	// InjectPending asks the chip to inject any interrupt it has
	// pending for vcpuID into the hypervisor before the next run.
	InjectPending(vcpuID int) error

	// KickHalted wakes any CPU parked in WaitUntilRunnable, used when
	// the main thread delivers a kick so a halted CPU observes new
	// control-channel state immediately rather than waiting for a
	// real interrupt.
	KickHalted(vcpuID int)
}

// PICAdapter is the InterruptChip implementation for this device
// model's PIC; it never blocks (the PIC emulation is purely synchronous
// register state) so WaitUntilRunnable always returns immediately with
// interrupted=false, and InjectPending is left to the caller's existing
// KVM_INTERRUPT_REQ plumbing via the Inject hook.
type PICAdapter struct {
	HasPending func() bool
	Vector     func() uint8
	Inject     func(vcpuID int, vector uint8) error
}

func (p *PICAdapter) WaitUntilRunnable(int) bool { return false }

func (p *PICAdapter) NotifyHalted(int) {}

func (p *PICAdapter) BroadcastEOI(uint8) {}

func (p *PICAdapter) InjectPending(vcpuID int) error {
	if p.HasPending == nil || !p.HasPending() {
		return nil
	}
	vector := p.Vector()
	if p.Inject == nil {
		return nil
	}
	return p.Inject(vcpuID, vector)
}

func (p *PICAdapter) KickHalted(int) {}

var _ InterruptChip = (*PICAdapter)(nil)
