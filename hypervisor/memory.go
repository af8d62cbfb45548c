package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

func roundUpPage(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// GuestRegion is a host-anonymous-mmap-backed slice of guest physical
// memory. It is mmap'd by AllocateRegion and only becomes visible to the
// guest once Register binds it to a VM at a given guest physical address.
type GuestRegion struct {
	size uint64
	host []byte

	registered bool
	slot       uint32
	base       uint64
}

// AllocateRegion mmaps size bytes (rounded up to a 4 KiB page) of
// anonymous, zero-filled host memory. MAP_SHARED is used rather than
// MAP_PRIVATE so the mapping stays coherent with KVM's view of the same
// pages: the host writes the image and page tables into it after Register,
// and may read it back for diagnostics after the guest has run.
func AllocateRegion(size uint64) (*GuestRegion, error) {
	rounded := roundUpPage(size)
	host, err := unix.Mmap(-1, 0, int(rounded),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest region of %d bytes: %w", rounded, err)
	}
	return &GuestRegion{size: rounded, host: host}, nil
}

// HostSize returns the region's page-rounded size in bytes.
func (r *GuestRegion) HostSize() uint64 {
	return r.size
}

// Bytes returns the region's backing storage for direct host-side reads and
// writes (image loading, page table construction, diagnostics).
func (r *GuestRegion) Bytes() []byte {
	return r.host
}

// Register binds the region into vm's guest physical address space at
// guestBase under slot, via KVM_SET_USER_MEMORY_REGION. slot must be
// unique for the lifetime of vm.
func (r *GuestRegion) Register(vm *VM, slot uint32, guestBase uint64) error {
	hostAddr := uintptr(unsafe.Pointer(&r.host[0]))
	if err := vm.SetUserMemoryRegion(slot, uintptr(guestBase), uintptr(r.size), hostAddr); err != nil {
		return fmt.Errorf("register guest region at 0x%x: %w", guestBase, err)
	}
	r.registered = true
	r.slot = slot
	r.base = guestBase
	return nil
}

// WriteAt copies data into the region at the given offset from its guest
// base. It returns an error if the write would run past the region's size.
func (r *GuestRegion) WriteAt(offset uint64, b []byte) error {
	if offset+uint64(len(b)) > r.size {
		return fmt.Errorf("write at offset 0x%x: %d bytes overruns region of size %d", offset, len(b), r.size)
	}
	copy(r.host[offset:], b)
	return nil
}

// Close unmaps the region's host memory. It does not attempt to unregister
// the region from KVM — once the owning VM's fd is closed, the kernel drops
// every memory slot associated with it.
func (r *GuestRegion) Close() error {
	if r.host == nil {
		return nil
	}
	err := unix.Munmap(r.host)
	r.host = nil
	return err
}
