package hypervisor

import "errors"

// Sentinel errors for the taxonomy entries that originate below the
// orchestration layer. vmm/errors.go re-exports these so callers only ever
// need to import vmm to match against errors.Is.
var (
	ErrHypervisorUnavailable    = errors.New("hypervisor unavailable")
	ErrMemoryRegistrationFailed = errors.New("guest memory registration failed")
	ErrEntryTooHigh             = errors.New("entry point exceeds mode's addressable range")
	ErrRegisterAccessFailed     = errors.New("register access failed")
	ErrRunFailed                = errors.New("vcpu run failed")
)
