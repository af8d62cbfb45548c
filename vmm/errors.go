// Package vmm orchestrates a single guest vCPU session: constructing boot
// state, running the vCPU loop, bridging its serial port, and dumping
// diagnostics when something goes wrong. The low-level /dev/kvm plumbing
// lives in the sibling hypervisor package; vmm is where the policy lives.
package vmm

import (
	"errors"

	"example.com/flatvm/hypervisor"
)

// Error taxonomy. Each sentinel is matched with errors.Is after call sites
// wrap it with fmt.Errorf("...: %w", ...) context.
var (
	ErrHypervisorUnavailable    = hypervisor.ErrHypervisorUnavailable
	ErrMemoryRegistrationFailed = hypervisor.ErrMemoryRegistrationFailed
	ErrEntryTooHigh             = hypervisor.ErrEntryTooHigh
	ErrRegisterAccessFailed     = hypervisor.ErrRegisterAccessFailed
	ErrRunFailed                = hypervisor.ErrRunFailed

	ErrImageLoadFailed = errors.New("guest image load failed")
	ErrUnhandledExit   = errors.New("unhandled vcpu exit")
)
