package hypervisor

import (
	"encoding/binary"
	"fmt"
)

// maxPhysBits bounds mem_bytes to what a real x86-64 identity map could
// ever need to cover; it guards against a pathological -m value turning
// into an attempt to mmap an absurd page-table region.
const maxPhysBits = 52

const (
	pageTableLevels   = 4
	entryPresentWrite = 0x03
)

// pageTableLayout is the sizing result for a 4-level identity map covering
// [0, memBytes). Levels[0] is the deepest (page-table) level; Levels[3] is
// the level CR3 points to.
type pageTableLayout struct {
	levels     [pageTableLevels]uint64 // page count per level
	totalPages uint64
}

func ceilDiv(n, d uint64) uint64 {
	return (n + d - 1) / d
}

func computePageTableLayout(memBytes uint64) (pageTableLayout, error) {
	if memBytes == 0 {
		return pageTableLayout{}, fmt.Errorf("hypervisor: mem_bytes must be greater than zero")
	}
	if memBytes >= 1<<maxPhysBits {
		return pageTableLayout{}, fmt.Errorf("hypervisor: mem_bytes 0x%x exceeds %d-bit physical address space", memBytes, maxPhysBits)
	}

	var layout pageTableLayout
	layout.levels[0] = ceilDiv(memBytes, pageSize)
	for l := 1; l < pageTableLevels; l++ {
		layout.levels[l] = ceilDiv(layout.levels[l-1]*8, pageSize)
	}
	for _, n := range layout.levels {
		layout.totalPages += n
	}
	return layout, nil
}

// BuildIdentityMap constructs a 4-level identity-mapping page table
// covering [0, memBytes), allocates a guest region for it immediately above
// ramTop, registers that region with vm under slot, fills every entry per
// the present|writable fill rule, and returns the CR3 value pointing at the
// topmost level (the last page of the region).
//
// Used only in Long mode when the caller has not supplied an external page
// table base.
func BuildIdentityMap(vm *VM, slot uint32, ramTop, memBytes uint64) (cr3 uint64, region *GuestRegion, err error) {
	layout, err := computePageTableLayout(memBytes)
	if err != nil {
		return 0, nil, err
	}

	region, err = AllocateRegion(layout.totalPages * pageSize)
	if err != nil {
		return 0, nil, fmt.Errorf("allocate page table region: %w", err)
	}
	if err := region.Register(vm, slot, ramTop); err != nil {
		region.Close()
		return 0, nil, fmt.Errorf("register page table region: %w", err)
	}

	// levelBase[L] is the guest physical address of the first page of
	// level L within the region.
	var levelBase [pageTableLevels]uint64
	offset := uint64(0)
	for l := 0; l < pageTableLevels; l++ {
		levelBase[l] = ramTop + offset
		offset += layout.levels[l] * pageSize
	}

	buf := region.Bytes()
	for l := 0; l < pageTableLevels; l++ {
		var childBase uint64
		if l == 0 {
			childBase = 0
		} else {
			childBase = levelBase[l-1]
		}
		levelOff := levelBase[l] - ramTop
		for i := uint64(0); i < layout.levels[l]; i++ {
			entry := childBase + i*pageSize + entryPresentWrite
			pos := levelOff + i*8
			binary.LittleEndian.PutUint64(buf[pos:pos+8], entry)
		}
	}

	cr3 = ramTop + (layout.totalPages-1)*pageSize
	return cr3, region, nil
}
