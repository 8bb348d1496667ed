package vmm

import (
	"log"

	"github.com/kvmgo/vmm/vmm/devices"
	"github.com/kvmgo/vmm/vmm/vcpuloop"
)

// ioBusAdapter routes port I/O exits through VirtualMachine.HandleIO,
// keeping its existing per-VCPU debug logging and string-I/O repeat
// loop as the single dispatch path regardless of whether the caller is
// the vcpuloop.Loop or (in the future) a debugger single-stepping I/O.
type ioBusAdapter struct {
	vm     *VirtualMachine
	vcpuID int
}

func (a *ioBusAdapter) Read(addr uint64, data []byte) {
	if err := a.vm.HandleIO(a.vcpuID, uint16(addr), data, devices.IODirectionIn, uint8(len(data)), 1); err != nil {
		log.Printf("ioBusAdapter: port 0x%x read: %v", addr, err)
	}
}

func (a *ioBusAdapter) Write(addr uint64, data []byte) {
	if err := a.vm.HandleIO(a.vcpuID, uint16(addr), data, devices.IODirectionOut, uint8(len(data)), 1); err != nil {
		log.Printf("ioBusAdapter: port 0x%x write: %v", addr, err)
	}
}

var _ vcpuloop.Bus = (*ioBusAdapter)(nil)

// mmioBusAdapter routes MMIO exits through VirtualMachine.HandleMMIO,
// which currently has no memory-mapped devices registered, so an
// unhandled read still needs to hand the guest back a well-defined
// pattern rather than garbage.
type mmioBusAdapter struct {
	vm     *VirtualMachine
	vcpuID int
}

func (a *mmioBusAdapter) Read(addr uint64, data []byte) {
	if err := a.vm.HandleMMIO(a.vcpuID, addr, data, false); err != nil && a.vm.Debug {
		log.Printf("mmioBusAdapter: read 0x%x: %v", addr, err)
	}
}

func (a *mmioBusAdapter) Write(addr uint64, data []byte) {
	if err := a.vm.HandleMMIO(a.vcpuID, addr, data, true); err != nil && a.vm.Debug {
		log.Printf("mmioBusAdapter: write 0x%x: %v", addr, err)
	}
}

var _ vcpuloop.Bus = (*mmioBusAdapter)(nil)

// newPICChip wires the PIC device model's existing poll-based
// interface into a vcpuloop.PICAdapter, rather than writing a second
// interrupt-delivery path: HasPending/Vector read the PIC's internal
// priority-resolution logic, and Inject reuses the VCPU's
// KVM_INTERRUPT_REQ plumbing unchanged.
func newPICChip(vm *VirtualMachine) *vcpuloop.PICAdapter {
	return &vcpuloop.PICAdapter{
		HasPending: vm.picDevice.HasPendingInterrupts,
		Vector:     vm.picDevice.GetInterruptVector,
		Inject: func(vcpuID int, vector uint8) error {
			// The legacy 8259 PIC has a single INTR line wired to the
			// boot VCPU only; routing it to every VCPU would deliver
			// the same vector more than once.
			if vcpuID != 0 {
				return nil
			}
			return vm.InjectInterrupt(vcpuID, vector)
		},
	}
}

// NewLoop builds the vcpuloop.Loop driving this VCPU: its hypervisor
// binding, the port I/O and MMIO buses, the shared PIC chip, and the
// control channel the owning VirtualMachine uses to steer it.
func (vcpu *VCPU) NewLoop(control <-chan vcpuloop.Control) *vcpuloop.Loop {
	return vcpuloop.NewLoop(
		vcpu.id,
		vcpu,
		&ioBusAdapter{vm: vcpu.vm, vcpuID: vcpu.id},
		&mmioBusAdapter{vm: vcpu.vm, vcpuID: vcpu.id},
		newPICChip(vcpu.vm),
		control,
		vcpu.vm.Logger,
	)
}
