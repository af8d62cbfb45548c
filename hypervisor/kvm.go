// Package hypervisor wraps the Linux KVM ioctl interface: the control
// device, VM and vCPU creation, guest memory registration, register access,
// and the run ioctl. The ioctl layer (kvm.go, vm.go, memory.go) knows
// nothing about x86 boot semantics — that lives in bootstate.go and
// paging.go.
package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request codes for /dev/kvm. These are the standard Linux
// _IO/_IOR/_IOW/_IOWR encodings for KVMIO (0xAE) against the current
// struct kvm_regs/kvm_sregs/kvm_userspace_memory_region layouts; they do not
// change across kernel versions in practice, so the corpus hard-codes them
// rather than recomputing _IOC at init time.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMmapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetUserMemoryRegion = 0x4020AE46
)

// Exit reasons, as returned in RunBlock.ExitReason. The names below mirror
// the kernel's KVM_EXIT_* enum; exitReasonNames in vmm/diag.go keeps the full
// 28-entry table used for diagnostics.
const (
	ExitUnknown       uint32 = 0
	ExitException     uint32 = 1
	ExitIO            uint32 = 2
	ExitHypercall     uint32 = 3
	ExitDebug         uint32 = 4
	ExitHLT           uint32 = 5
	ExitMMIO          uint32 = 6
	ExitIRQWindowOpen uint32 = 7
	ExitShutdown      uint32 = 8
	ExitFailEntry     uint32 = 9
	ExitIntr          uint32 = 10
)

// IO exit directions, as encoded in the kvm_run.io union.
const (
	IODirectionIn  uint8 = 0
	IODirectionOut uint8 = 1
)

const numInterrupts = 256

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDT/IDT base+limit).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Regs mirrors struct kvm_regs: the general-purpose register file.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Sregs mirrors struct kvm_sregs: segment descriptors and control registers.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, the
// argument to KVM_SET_USER_MEMORY_REGION.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// RunBlock mirrors the fixed header of struct kvm_run. The io/mmio union
// payload that follows it in the real kernel struct is read by offset
// (see VCPU.IOExit), not by an embedded Go field, because its true size is
// the mmap size reported by KVM_GET_VCPU_MMAP_SIZE, not anything fixed at
// compile time.
type RunBlock struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
}

// ioExit mirrors the kvm_run.io union member.
type ioExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// mmioExit mirrors the kvm_run.mmio union member.
type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd int, req uintptr, p unsafe.Pointer) error {
	return ioctl(fd, req, uintptr(p))
}

// apiVersion issues KVM_GET_API_VERSION, used only to sanity-check that
// /dev/kvm really is a KVM control device before trusting it further.
func apiVersion(fd int) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), kvmGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

