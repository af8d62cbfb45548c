package hypervisor

import "fmt"

// Mode selects the x86 operating mode the guest vCPU is booted into.
type Mode int

const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// BootOptions parameterizes AssembleBootState.
type BootOptions struct {
	Mode        Mode
	MemBytes    uint64
	EntryPoint  uint64
	// ExternalPageTableBase, if non-nil, is used verbatim as CR3 in Long
	// mode and suppresses the identity-map builder.
	ExternalPageTableBase *uint64
}

// segmentSpec is one row of the per-mode segment configuration table:
// selector, limit, type, and the DB/L/G bits that distinguish 16-, 32-, and
// 64-bit code/data segments.
type segmentSpec struct {
	base      uint64
	selector  uint16
	limit     uint32
	typ       uint8
	db, l, g  uint8
}

func codeSegment(mode Mode) segmentSpec {
	switch mode {
	case ModeReal:
		return segmentSpec{base: 0, selector: 0, limit: 0xFFFF, typ: 0x0B, db: 0, l: 0, g: 0}
	case ModeProtected:
		return segmentSpec{base: 0, selector: 8, limit: 0xFFFFFFFF, typ: 0x0B, db: 1, l: 0, g: 1}
	case ModeLong:
		return segmentSpec{base: 0, selector: 8, limit: 0xFFFFFFFF, typ: 0x0B, db: 0, l: 1, g: 1}
	default:
		panic(fmt.Sprintf("hypervisor: unknown mode %d", mode))
	}
}

func dataSegment(mode Mode) segmentSpec {
	s := codeSegment(mode)
	s.typ = 0x03
	switch mode {
	case ModeReal:
		s.selector = 0
	default:
		s.selector = 16
	}
	return s
}

func applySegment(seg *Segment, spec segmentSpec) {
	seg.Base = spec.base
	seg.Selector = spec.selector
	seg.Limit = spec.limit
	seg.Type = spec.typ
	seg.DB = spec.db
	seg.L = spec.l
	seg.G = spec.g
	seg.Present = 1
	seg.S = 1
}

// entryLimit returns the exclusive upper bound a mode's entry point must
// stay under, or 0 if the mode imposes none.
func entryLimit(mode Mode) uint64 {
	switch mode {
	case ModeReal:
		return 1 << 16
	case ModeProtected:
		return 1 << 32
	default:
		return 0
	}
}

// AssembleBootState reads vcpu's current general and system register
// state, mutates the minimal set of fields needed to enter opts.Mode at
// opts.EntryPoint, and writes the result back. In Long mode without an
// ExternalPageTableBase, it builds an identity map covering opts.MemBytes
// via BuildIdentityMap, registering the result as slot 1 on vm, and assigns
// the resulting CR3.
//
// Returns the page table region it built, if any, so the caller's teardown
// stack can release it; region is nil when an external page table base was
// supplied or the mode doesn't need one.
func AssembleBootState(vm *VM, vcpu *VCPU, opts BootOptions) (region *GuestRegion, err error) {
	limit := entryLimit(opts.Mode)
	if limit != 0 && opts.EntryPoint >= limit {
		return nil, fmt.Errorf("entry point 0x%x: %w", opts.EntryPoint, ErrEntryTooHigh)
	}

	regs, err := vcpu.GetRegs()
	if err != nil {
		return nil, fmt.Errorf("read registers: %w", err)
	}
	regs.RIP = opts.EntryPoint
	regs.RFLAGS |= 0x2 // reserved bit, always set per the architecture

	sregs, err := vcpu.GetSregs()
	if err != nil {
		return nil, fmt.Errorf("read system registers: %w", err)
	}

	applySegment(&sregs.CS, codeSegment(opts.Mode))
	data := dataSegment(opts.Mode)
	for _, seg := range []*Segment{&sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		applySegment(seg, data)
	}

	switch opts.Mode {
	case ModeReal:
		// no CR/EFER change
	case ModeProtected:
		sregs.CR0 |= 0x1 // PE
	case ModeLong:
		sregs.CR0 |= 0x80000001 // PE | PG
		sregs.CR4 |= 0x20       // PAE
		sregs.EFER |= 0x500     // LME | LMA

		if opts.ExternalPageTableBase != nil {
			sregs.CR3 = *opts.ExternalPageTableBase
		} else {
			cr3, ptRegion, buildErr := BuildIdentityMap(vm, 1, opts.MemBytes, opts.MemBytes)
			if buildErr != nil {
				return nil, fmt.Errorf("build identity map: %w", buildErr)
			}
			sregs.CR3 = cr3
			region = ptRegion
		}
	}

	if err := vcpu.SetSregs(sregs); err != nil {
		return region, fmt.Errorf("write system registers: %w", err)
	}
	if err := vcpu.SetRegs(regs); err != nil {
		return region, fmt.Errorf("write registers: %w", err)
	}
	return region, nil
}
