package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVMDevicePath is the control device used to reach the hypervisor. Tests
// that need a real device probe this path and skip when it's absent.
const KVMDevicePath = "/dev/kvm"

// Device is the open /dev/kvm control fd. It outlives any number of VMs
// created from it, though this implementation only ever creates one.
type Device struct {
	fd     int
	closed bool
}

// OpenDevice opens /dev/kvm and verifies its API version.
func OpenDevice() (dev *Device, err error) {
	fd, err := unix.Open(KVMDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %v", KVMDevicePath, ErrHypervisorUnavailable, err)
	}
	defer func() {
		if err != nil {
			unix.Close(fd)
		}
	}()

	ver, err := apiVersion(fd)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w: %v", ErrHypervisorUnavailable, err)
	}
	if ver != 12 {
		return nil, fmt.Errorf("unexpected KVM API version %d: %w", ver, ErrHypervisorUnavailable)
	}
	return &Device{fd: fd}, nil
}

// Available reports whether the hypervisor control device can be opened
// and used, without leaving any state behind. Integration tests use this to
// skip gracefully on hosts without KVM (containers, CI without /dev/kvm,
// non-Linux).
func Available() bool {
	dev, err := OpenDevice()
	if err != nil {
		return false
	}
	dev.Close()
	return true
}

// RunBlockSize issues KVM_GET_VCPU_MMAP_SIZE: the size of the shared
// kvm_run page every vCPU created from this device must be mmap'd with.
func (d *Device) RunBlockSize() (int, error) {
	n, err := ioctlFD(d.fd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w: %v", ErrHypervisorUnavailable, err)
	}
	return n, nil
}

// CreateVM issues KVM_CREATE_VM.
func (d *Device) CreateVM() (*VM, error) {
	fd, err := ioctlFD(d.fd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w: %v", ErrHypervisorUnavailable, err)
	}
	return &VM{fd: fd, dev: d}, nil
}

// Close closes the control fd. Safe to call multiple times.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

func ioctlFD(fd int, req uintptr, arg uintptr) (int, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

// VM owns one KVM_CREATE_VM fd and, in this implementation, exactly one
// vCPU created from it.
type VM struct {
	fd     int
	dev    *Device
	vcpu   *VCPU
	closed bool
}

// SetUserMemoryRegion installs a guest-physical-to-host-virtual mapping via
// KVM_SET_USER_MEMORY_REGION. slot must be unique per call for the lifetime
// of the VM.
func (vm *VM) SetUserMemoryRegion(slot uint32, guestPhysAddr, size, hostAddr uintptr) error {
	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: uint64(guestPhysAddr),
		MemorySize:    uint64(size),
		UserspaceAddr: uint64(hostAddr),
	}
	if err := ioctlPtr(vm.fd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w: %v", ErrMemoryRegistrationFailed, err)
	}
	return nil
}

// CreateVCPU creates vCPU 0 and maps its shared run block. Only a single
// vCPU is supported; a second call returns an error rather than silently
// creating an SMP guest this VMM cannot run.
func (vm *VM) CreateVCPU() (*VCPU, error) {
	if vm.vcpu != nil {
		return nil, fmt.Errorf("hypervisor: vCPU already created, multi-vCPU guests are not supported")
	}

	mmapSize, err := vm.dev.RunBlockSize()
	if err != nil {
		return nil, err
	}

	fd, err := ioctlFD(vm.fd, kvmCreateVCPU, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w: %v", ErrHypervisorUnavailable, err)
	}

	mem, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap kvm_run: %w: %v", ErrHypervisorUnavailable, err)
	}

	v := &VCPU{fd: fd, run: mem}
	vm.vcpu = v
	return v, nil
}

// Close releases the vCPU run mapping and fd, then the VM fd. It does not
// close the Device that created it — that's a separate, longer-lived
// resource the caller owns independently.
func (vm *VM) Close() error {
	if vm.closed {
		return nil
	}
	vm.closed = true

	var firstErr error
	if vm.vcpu != nil {
		if err := vm.vcpu.Close(); err != nil {
			firstErr = err
		}
	}
	if err := unix.Close(vm.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// VCPU wraps a single vCPU fd and its mmap'd kvm_run block.
type VCPU struct {
	fd     int
	run    []byte
	closed bool
}

func (v *VCPU) runBlock() *RunBlock {
	return (*RunBlock)(unsafe.Pointer(&v.run[0]))
}

// GetRegs issues KVM_GET_REGS.
func (v *VCPU) GetRegs() (Regs, error) {
	var regs Regs
	if err := ioctlPtr(v.fd, kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		return Regs{}, fmt.Errorf("KVM_GET_REGS: %w: %v", ErrRegisterAccessFailed, err)
	}
	return regs, nil
}

// SetRegs issues KVM_SET_REGS.
func (v *VCPU) SetRegs(regs Regs) error {
	if err := ioctlPtr(v.fd, kvmSetRegs, unsafe.Pointer(&regs)); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w: %v", ErrRegisterAccessFailed, err)
	}
	return nil
}

// GetSregs issues KVM_GET_SREGS.
func (v *VCPU) GetSregs() (Sregs, error) {
	var sregs Sregs
	if err := ioctlPtr(v.fd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return Sregs{}, fmt.Errorf("KVM_GET_SREGS: %w: %v", ErrRegisterAccessFailed, err)
	}
	return sregs, nil
}

// SetSregs issues KVM_SET_SREGS.
func (v *VCPU) SetSregs(sregs Sregs) error {
	if err := ioctlPtr(v.fd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w: %v", ErrRegisterAccessFailed, err)
	}
	return nil
}

// Run issues KVM_RUN and blocks until the guest exits back to userspace. It
// retries transparently on EINTR, matching the corpus convention of masking
// spurious signal interruptions rather than surfacing them as exit reasons.
func (v *VCPU) Run() error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.fd), kvmRun, 0)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return fmt.Errorf("KVM_RUN: %w: %v", ErrRunFailed, errno)
	}
}

// ExitReason returns the reason the most recent Run call returned.
func (v *VCPU) ExitReason() uint32 {
	return v.runBlock().ExitReason
}

// IOExit decodes the io union of the run block after an ExitIO exit. data
// aliases the run block's mmap'd memory directly; callers must copy it out
// before the next Run call overwrites it.
func (v *VCPU) IOExit() (direction, size uint8, port uint16, count uint32, data []byte) {
	off := unsafe.Sizeof(RunBlock{})
	io := (*ioExit)(unsafe.Pointer(&v.run[off]))
	total := int(io.Size) * int(io.Count)
	data = unsafe.Slice((*byte)(unsafe.Pointer(&v.run[io.DataOffset])), total)
	return io.Direction, io.Size, io.Port, io.Count, data
}

// MMIOExit decodes the mmio union of the run block after an ExitMMIO exit.
func (v *VCPU) MMIOExit() (physAddr uint64, data []byte, isWrite bool) {
	off := unsafe.Sizeof(RunBlock{})
	m := (*mmioExit)(unsafe.Pointer(&v.run[off]))
	return m.PhysAddr, m.Data[:m.Len], m.IsWrite != 0
}

// Close unmaps the run block and closes the vCPU fd.
func (v *VCPU) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	var firstErr error
	if v.run != nil {
		if err := unix.Munmap(v.run); err != nil {
			firstErr = err
		}
	}
	if err := unix.Close(v.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
