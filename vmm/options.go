package vmm

import (
	"fmt"

	"example.com/flatvm/hypervisor"
)

// Mode selects the x86 operating mode the guest vCPU is booted into. It is
// the hypervisor package's Mode re-exported here so callers only need to
// import vmm for the orchestration-level API.
type Mode = hypervisor.Mode

const (
	ModeReal      = hypervisor.ModeReal
	ModeProtected = hypervisor.ModeProtected
	ModeLong      = hypervisor.ModeLong
)

const defaultMemBytes = 1 << 20 // 1 MiB

// Options parameterizes a single Run: the boot mode, guest RAM size, entry
// point, optional pre-built page table, and the flat image to load.
type Options struct {
	Mode       Mode
	MemBytes   uint64
	EntryPoint uint64
	// ExternalPageTableBase, if non-nil, is used verbatim as CR3 in Long
	// mode and suppresses the page table builder. Validate rejects it in
	// other modes.
	ExternalPageTableBase *uint64
	ImagePath             string
}

// Validate checks mem_bytes > 0 (after the zero-value default is applied)
// and mode-appropriate entry point bounds before any resource is acquired
// (duplicated here, ahead of AssembleBootState's own check, so a bad CLI
// invocation fails before opening /dev/kvm at all).
func (o *Options) Validate() error {
	if o.MemBytes == 0 {
		o.MemBytes = defaultMemBytes
	}
	if o.ImagePath == "" {
		return fmt.Errorf("vmm: image path is required")
	}

	var limit uint64
	switch o.Mode {
	case ModeReal:
		limit = 1 << 16
	case ModeProtected:
		limit = 1 << 32
	case ModeLong:
		limit = 0
	default:
		return fmt.Errorf("vmm: unknown mode %v", o.Mode)
	}
	if limit != 0 && o.EntryPoint >= limit {
		return fmt.Errorf("entry point 0x%x: %w", o.EntryPoint, ErrEntryTooHigh)
	}
	if o.ExternalPageTableBase != nil && o.Mode != ModeLong {
		return fmt.Errorf("vmm: external page table base is only meaningful in long mode")
	}
	return nil
}
