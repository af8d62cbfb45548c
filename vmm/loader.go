package vmm

import (
	"fmt"
	"os"

	"example.com/flatvm/hypervisor"
)

// LoadImage reads up to region's size from path in a single Read call and
// writes it to offset 0 of region. A short read is accepted as-is — the
// remainder of guest RAM stays zero-initialized rather than being retried
// or treated as an error, matching the reference loader this is grounded
// on (a single read(2) call, no loop). Returns the number of bytes loaded.
func LoadImage(region *hypervisor.GuestRegion, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open image %s: %w: %v", path, ErrImageLoadFailed, err)
	}
	defer f.Close()

	buf := make([]byte, region.HostSize())
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return 0, fmt.Errorf("read image %s: %w: %v", path, ErrImageLoadFailed, err)
	}

	if err := region.WriteAt(0, buf[:n]); err != nil {
		return 0, fmt.Errorf("write image into guest RAM: %w: %v", ErrImageLoadFailed, err)
	}
	return n, nil
}
