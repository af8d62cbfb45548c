package vmm

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"example.com/flatvm/hypervisor"
)

// Session holds every resource acquired for one Run: the hypervisor
// device, VM, vCPU, guest RAM region, and (Long mode, auto-generated case)
// the page table region. Close releases whatever was actually acquired, in
// reverse acquisition order, and is safe to call on a partially
// constructed Session.
type Session struct {
	device  *hypervisor.Device
	vm      *hypervisor.VM
	vcpu    *hypervisor.VCPU
	ram     *hypervisor.GuestRegion
	pageTbl *hypervisor.GuestRegion
	closers []io.Closer
}

func (s *Session) track(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Close releases every tracked resource in reverse order, collecting (not
// short-circuiting on) the first error so every Closer still runs.
func (s *Session) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run builds a Session from opts, loads the guest image, assembles boot
// state, and drives RunLoop to completion, guaranteeing every acquired
// resource is released on every exit path — success, error, or a panic
// unwinding through the deferred Close.
func Run(opts Options, stdin io.Reader, stdout io.Writer, diagOut io.Writer, log *logrus.Entry) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	sess := &Session{}
	defer func() {
		if err := sess.Close(); err != nil {
			log.WithError(err).Warn("error releasing session resources")
		}
	}()

	log.Info("opening hypervisor device")
	device, err := hypervisor.OpenDevice()
	if err != nil {
		return err
	}
	sess.device = device
	sess.track(device)

	vm, err := device.CreateVM()
	if err != nil {
		return err
	}
	sess.vm = vm
	sess.track(vm)

	log.WithField("mem_bytes", opts.MemBytes).Info("allocating guest RAM")
	ram, err := hypervisor.AllocateRegion(opts.MemBytes)
	if err != nil {
		return fmt.Errorf("allocate guest RAM: %w", err)
	}
	sess.ram = ram
	sess.track(ram)

	if err := ram.Register(vm, 0, 0); err != nil {
		return err
	}

	n, err := LoadImage(ram, opts.ImagePath)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"path": opts.ImagePath, "bytes": n}).Info("loaded guest image")

	vcpu, err := vm.CreateVCPU()
	if err != nil {
		return err
	}
	sess.vcpu = vcpu
	sess.track(vcpu)

	log.WithField("mode", opts.Mode).Info("assembling boot state")
	pageTbl, err := hypervisor.AssembleBootState(vm, vcpu, hypervisor.BootOptions{
		Mode:                  opts.Mode,
		MemBytes:              opts.MemBytes,
		EntryPoint:            opts.EntryPoint,
		ExternalPageTableBase: opts.ExternalPageTableBase,
	})
	if pageTbl != nil {
		sess.pageTbl = pageTbl
		sess.track(pageTbl)
	}
	if err != nil {
		return err
	}

	onUnhandled := func(reason uint32) {
		Dump(diagOut, vcpu, reason)
	}
	return RunLoop(vcpu, stdin, stdout, log, onUnhandled)
}
