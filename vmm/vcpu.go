package vmm

import (
	"fmt"
	"log"
	"syscall"
	"unsafe"

	"github.com/kvmgo/vmm/vmm/hypervisor"
	"github.com/kvmgo/vmm/vmm/vcpuloop"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// VCPU represents a virtual CPU within a KVM virtual machine.
type VCPU struct {
	id            int
	fd            int
	vm            *VirtualMachine // Reference to the parent VM
	kvmRun        *hypervisor.KvmRun
	kvmRunMmapSize int
	kvmRunPtr     uintptr // mmaped pointer to kvm_run structure
}

// NewVCPU creates and initializes a new VCPU for the given VM.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	vcpuFD, err := hypervisor.DoKVMCreateVCPU(vm.vmFD)
	if err != nil {
		return nil, fmt.Errorf("failed to create VCPU %d: %v", id, err)
	}

	// Get KVM_RUN mmap size
	// Note: KVM_GET_VCPU_MMAP_SIZE is a KVM system ioctl, not on vcpuFD or vmFD directly.
	// It's usually called on the main KVM FD (vm.kvmFD).
	mmapSize, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(vm.kvmFD), hypervisor.KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE failed for VCPU %d: %v", id, errno)
	}
	if mmapSize == 0 {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned 0 for VCPU %d", id)
	}


	// Mmap the KVM_RUN structure
	kvmRunAddr, err := syscall.Mmap(vcpuFD, 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("failed to mmap kvm_run for VCPU %d: %v", id, err)
	}

	// Cast the mmaped address to a KvmRun struct pointer
	// Note: This direct casting is a simplification. In C, kvm_run is a complex union.
	// Go's unsafe.Pointer allows this, but care must be taken with layout and access.
	kvmRunStruct := (*hypervisor.KvmRun)(unsafe.Pointer(&kvmRunAddr[0]))


	vcpu := &VCPU{
		id:            id,
		fd:            vcpuFD,
		vm:            vm,
		kvmRun:        kvmRunStruct,
		kvmRunMmapSize: int(mmapSize),
		kvmRunPtr:     uintptr(unsafe.Pointer(&kvmRunAddr[0])), // Store the original uintptr for Munmap
	}

	// Initialize VCPU state (e.g., registers, SREGS)
	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("failed to initialize registers for VCPU %d: %v", id, err)
	}
	if vm.Debug {
		log.Printf("VCPU %d: Created and initialized successfully. KVM_RUN mmap size: %d bytes.\n", id, mmapSize)
	}
	return vcpu, nil
}

// initRegisters sets up the initial state of VCPU registers (general purpose and segment).
func (vcpu *VCPU) initRegisters() error {
	// Get current SREGS
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS failed: %v", err)
	}

	// Configure for flat real mode or protected mode as needed.
	// Example: Minimal setup for starting in 16-bit real mode at 0x0000 (typical for BIOS)
	// CS selector should point to a segment with base 0 and appropriate limits.
	// For simplicity, many examples set CS base to 0 and RIP to a BIOS entry point like 0xFFF0.
	// Here, we'll set a basic flat code segment.
	sregs.CS.Base = 0
	sregs.CS.Limit = 0xFFFFFFFF
	sregs.CS.Selector = 0 // Can be 0 for CS in real mode if base is 0. Or a GDT selector.
	sregs.CS.Type = 11    // Code, Execute/Read
	sregs.CS.Present = 1
	sregs.CS.DPL = 0
	sregs.CS.DB = 1 // 32-bit default operation size if in protected mode, 0 for 16-bit. Let's assume 1 for now.
	sregs.CS.S = 1  // Code or Data segment
	sregs.CS.L = 0  // Not 64-bit mode initially
	sregs.CS.G = 1  // Granularity (limit in 4KB units)

	// Data segments (DS, ES, SS) typically also flat
	sregs.DS.Base = 0
	sregs.DS.Limit = 0xFFFFFFFF
	sregs.DS.Selector = 0 // Or GDT selector
	sregs.DS.Type = 3     // Data, Read/Write
	sregs.DS.Present = 1
	sregs.DS.G = 1
	sregs.DS.S = 1
	sregs.DS.DB = 1

	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	// Set CR0 for protected mode if desired, or clear for real mode.
	// Minimal real mode: sregs.CR0 = 0x10 (PE bit clear, some other bits might be set by KVM)
	// For starting in protected mode (common for modern kernels):
	// sregs.CR0 = 0x11 // PE=1 (Protected Mode), MP=1 (Monitor Coprocessor)
	// KVM might initialize CR0 to a default state. Get it, modify, then set.
	// For this example, let KVM handle initial CR0 or assume it's suitable.
	// A common starting point is often real mode, with bootloader setting up protected mode.
	// To start in real mode, ensure PE bit (bit 0) of CR0 is 0.
	// KVM often starts VCPUs in real mode by default.
	// Let's ensure PE is 0 for a basic real-mode start.
	sregs.CR0 &^= 1 // Clear PE bit for real mode. KVM might set it to 0x60000010 by default.
	                // A more robust real mode setup would be CR0 = 0x10 or similar.
					// For simplicity, we rely on KVM's defaults or what a loaded BIOS would set.


	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS failed: %v", err)
	}

	// Set general purpose registers
	regs := &hypervisor.KvmRegs{
		RFLAGS: 0x2, // Bit 1 is always 1. Other flags (IF, etc.) as needed.
		// RIP:    0xFFF0, // Typical BIOS entry point if loading a BIOS.
		// For direct kernel loading, this would be the kernel entry point.
		// If loading a simple bootloader at 0x7c00:
		RIP: 0x7c00, // Common address for bootloaders loaded by BIOS
		// RSP:    0x7c00, // Initial stack pointer (e.g., below bootloader)
	}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS failed: %v", err)
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Registers initialized. RIP=0x%x, RFLAGS=0x%x, CS.Base=0x%x\n", vcpu.id, regs.RIP, regs.RFLAGS, sregs.CS.Base)
	}
	return nil
}

// Run enters the hypervisor once (one KVM_RUN ioctl) and decodes
// whatever it exited for into a vcpuloop.HypervisorExit, satisfying
// vcpuloop.VCPU. The iteration logic — dispatch, interrupt injection,
// control-channel draining — lives entirely in vcpuloop.Loop now; this
// method's only job is the ioctl and the union decode.
func (vcpu *VCPU) Run() (*vcpuloop.HypervisorExit, error) {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(vcpu.fd), hypervisor.KVM_RUN, 0)
	if errno == syscall.EINTR {
		return nil, vcpuloop.ErrEINTR
	}
	if errno == syscall.EAGAIN {
		return nil, vcpuloop.ErrEAGAIN
	}
	if errno != 0 {
		return nil, fmt.Errorf("KVM_RUN failed for VCPU %d: %v", vcpu.id, errno)
	}

	switch vcpu.kvmRun.ExitReason {
	case hypervisor.KVM_EXIT_IO:
		ioExit := (*hypervisor.KvmIo)(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
		dataPtr := uintptr(unsafe.Pointer(vcpu.kvmRun)) + uintptr(ioExit.DataOffset)
		size := ioExit.Size
		if size == 0 || size > 8 {
			size = 8
		}
		data := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(size))
		return &vcpuloop.HypervisorExit{
			Kind:    vcpuloop.ExitIO,
			IOPort:  ioExit.Port,
			IOWrite: ioExit.Direction == 1, // KVM_EXIT_IO_OUT
			IOData:  data,
		}, nil

	case hypervisor.KVM_EXIT_MMIO:
		mmioExit := (*struct {
			PhysAddr uint64
			Data     [8]byte
			Len      uint32
			IsWrite  uint8
			_        [3]byte
		})(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
		length := mmioExit.Len
		if length > 8 {
			length = 8
		}
		return &vcpuloop.HypervisorExit{
			Kind:      vcpuloop.ExitMMIO,
			MMIOAddr:  mmioExit.PhysAddr,
			MMIOData:  mmioExit.Data[:length],
			MMIOWrite: mmioExit.IsWrite == 1,
		}, nil

	case hypervisor.KVM_EXIT_X86_RDMSR:
		msrExit := (*hypervisor.KvmMsrExit)(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitRdMsr, MsrIndex: msrExit.Index}, nil

	case hypervisor.KVM_EXIT_X86_WRMSR:
		msrExit := (*hypervisor.KvmMsrExit)(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitWrMsr, MsrIndex: msrExit.Index, MsrData: msrExit.Data}, nil

	case hypervisor.KVM_EXIT_IOAPIC_EOI:
		eoi := (*struct {
			Vector uint8
			_      [7]byte
		})(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitIoapicEoi, EOIVector: eoi.Vector}, nil

	case hypervisor.KVM_EXIT_HLT:
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitHlt}, nil

	case hypervisor.KVM_EXIT_SHUTDOWN:
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitShutdown}, nil

	case hypervisor.KVM_EXIT_SYSTEM_EVENT:
		sysEvent := (*hypervisor.KvmSystemEvent)(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
		switch sysEvent.Type {
		case hypervisor.KVM_SYSTEM_EVENT_RESET:
			return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitSystemEventReset}, nil
		case hypervisor.KVM_SYSTEM_EVENT_CRASH:
			return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitSystemEventCrash}, nil
		default:
			return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitSystemEventShutdown}, nil
		}

	case hypervisor.KVM_EXIT_BUS_LOCK:
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitBusLock}, nil

	case hypervisor.KVM_EXIT_DEBUG:
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitDebug}, nil

	case hypervisor.KVM_EXIT_FAIL_ENTRY:
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitFailEntry, HwReason: vcpu.kvmRun.HwReason}, nil

	case hypervisor.KVM_EXIT_INTR:
		// The hypervisor returned because a signal arrived while
		// running the guest, not because the guest itself exited for
		// any architectural reason.
		return nil, vcpuloop.ErrEINTR

	default:
		return &vcpuloop.HypervisorExit{Kind: vcpuloop.ExitUnknown, HwReason: vcpu.kvmRun.HwReason}, nil
	}
}

// ClearPendingKick is a no-op on this platform: the kick signal used to
// unblock KVM_RUN is caught through the Kicker's signal.Notify
// registration and KVM_RUN returns EINTR, so there is no separate
// software flag to clear once the loop observes the interruption.
func (vcpu *VCPU) ClearPendingKick() error { return nil }

// vcpuSnapshot is the serialized form of everything initRegisters sets
// up, enough to resume a VCPU from the point Snapshot was taken.
type vcpuSnapshot struct {
	Regs  *hypervisor.KvmRegs  `yaml:"regs"`
	Sregs *hypervisor.KvmSregs `yaml:"sregs"`
}

// Snapshot captures this VCPU's general-purpose and segment register
// state.
func (vcpu *VCPU) Snapshot() ([]byte, error) {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return nil, fmt.Errorf("VCPU %d: KVM_GET_REGS for snapshot: %w", vcpu.id, err)
	}
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return nil, fmt.Errorf("VCPU %d: KVM_GET_SREGS for snapshot: %w", vcpu.id, err)
	}
	return yaml.Marshal(vcpuSnapshot{Regs: regs, Sregs: sregs})
}

// Restore reinstates a VCPU's register state from data previously
// returned by Snapshot.
func (vcpu *VCPU) Restore(data []byte) error {
	var snap vcpuSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("VCPU %d: decoding snapshot: %w", vcpu.id, err)
	}
	if snap.Sregs != nil {
		if err := hypervisor.DoKVMSetSregs(vcpu.fd, snap.Sregs); err != nil {
			return fmt.Errorf("VCPU %d: KVM_SET_SREGS on restore: %w", vcpu.id, err)
		}
	}
	if snap.Regs != nil {
		if err := hypervisor.DoKVMSetRegs(vcpu.fd, snap.Regs); err != nil {
			return fmt.Errorf("VCPU %d: KVM_SET_REGS on restore: %w", vcpu.id, err)
		}
	}
	return nil
}

// RaisePriority asks the scheduler for a higher priority for the OS
// thread this VCPU is pinned to, once that thread has been locked via
// vcpuloop.NewKicker. Lowering niceness is the unprivileged analogue of
// the real-time scheduling class a production hypervisor would request
// with CAP_SYS_NICE.
func (vcpu *VCPU) RaisePriority() error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), -15); err != nil {
		return fmt.Errorf("VCPU %d: raising scheduling priority: %w", vcpu.id, err)
	}
	return nil
}

var _ vcpuloop.VCPU = (*VCPU)(nil)

// Close cleans up resources used by the VCPU.
func (vcpu *VCPU) Close() {
	if vcpu.kvmRunPtr != 0 { // Check if mmap was successful
		err := syscall.Munmap((*[1<<30]byte)(unsafe.Pointer(vcpu.kvmRunPtr))[:vcpu.kvmRunMmapSize])
		if err != nil {
			log.Printf("VCPU %d: Error unmapping kvm_run: %v\n", vcpu.id, err)
		}
		vcpu.kvmRunPtr = 0
		vcpu.kvmRun = nil
	}
	if vcpu.fd != 0 {
		syscall.Close(vcpu.fd)
		vcpu.fd = 0
	}
	if vcpu.vm.Debug && vcpu.id >=0 { // ensure id is valid if logging
		log.Printf("VCPU %d: Closed.\n", vcpu.id)
	}
}

// InjectInterrupt tells KVM to inject an interrupt vector into the guest.
func (vcpu *VCPU) InjectInterrupt(vector uint8) error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Attempting to inject interrupt vector 0x%x\n", vcpu.id, vector)
	}
	// KVM_INTERRUPT ioctl is deprecated.
	// The modern way is to use KVM_SET_REGS to set the interrupt pending flag in RFLAGS (IF)
	// and then if the guest is HLTed, KVM_RUN will return. Or use KVM_IRQ_LINE / APIC.
	// However, for simple PIC emulation, KVM_INTERRUPT_REQ (if available and correctly defined)
	// or a similar mechanism like writing to an emulated Local APIC's IRR might be used.
	// hypervisor/kvm.go defines KVM_INTERRUPT_REQ.

	// Using KVM_INTERRUPT_REQ:
	err := hypervisor.DoKVMInjectInterrupt(vcpu.fd, uint32(vector))
	if err != nil {
		return fmt.Errorf("VCPU %d: KVM_INJECT_INTERRUPT for vector 0x%x failed: %v", vcpu.id, vector, err)
	}

	// Alternative for some KVM versions or scenarios (less common for external PIC interrupts):
	// Signal an interrupt request to KVM. This might involve setting a bit in kvm_run struct
	// if KVM_CAP_IRQ_WINDOW or similar capability is used, or using KVM_SET_SIGNAL_MASK.
	// For many basic setups, if IF is set in guest RFLAGS, KVM_RUN will simply return
	// when an interrupt is asserted via KVM_IRQ_LINE (if using emulated IRQ chip) or
	// the guest will pick it up.
	// If the guest is in HLT, and IF=1, KVM_RUN should return upon interrupt assertion.
	// The KVM_INTERRUPT_REQ is a more direct way for "software" triggered interrupts by hypervisor.

	if vcpu.vm.Debug {
		log.Printf("VCPU %d: KVM_INJECT_INTERRUPT for vector 0x%x supposedly successful.\n", vcpu.id, vector)
	}
	return nil
}

// Helper to get KVM exit reason string (optional)
func KvmExitReasonName(reason uint32) string {
	switch reason {
	case hypervisor.KVM_EXIT_UNKNOWN: return "KVM_EXIT_UNKNOWN"
	case hypervisor.KVM_EXIT_HLT: return "KVM_EXIT_HLT"
	case hypervisor.KVM_EXIT_IO: return "KVM_EXIT_IO"
	case hypervisor.KVM_EXIT_MMIO: return "KVM_EXIT_MMIO"
	case hypervisor.KVM_EXIT_SHUTDOWN: return "KVM_EXIT_SHUTDOWN"
	case hypervisor.KVM_EXIT_FAIL_ENTRY: return "KVM_EXIT_FAIL_ENTRY"
	// Add other KVM_EXIT reasons as needed
	default: return fmt.Sprintf("Unknown KVM Exit Reason (%d)", reason)
	}
}
