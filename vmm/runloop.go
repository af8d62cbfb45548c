package vmm

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/sirupsen/logrus"

	"example.com/flatvm/hypervisor"
)

const (
	serialPort = 0x3F8
	serialSize = 1
)

// vcpuRunner is the slice of hypervisor.VCPU's behavior RunLoop depends on.
// It exists purely as a testability seam: production code always satisfies
// it with a real *hypervisor.VCPU, tests satisfy it with a scripted fake
// exit sequence so the loop's serial bridging and unhandled-exit routing
// can be exercised without a real /dev/kvm.
type vcpuRunner interface {
	Run() error
	ExitReason() uint32
	IOExit() (direction, size uint8, port uint16, count uint32, data []byte)
}

// RunLoop resumes vcpu until the guest's stdin IN hits EOF (clean
// success), an unhandled exit occurs (diagnostic dump, failure), or Run
// itself fails (failure). stdin/stdout carry the single-byte serial
// bridge on port 0x3F8; log receives lifecycle and exit-classification
// entries. onUnhandled, if non-nil, is invoked with the exit reason before
// RunLoop returns its error — the orchestrator uses it to trigger Dump.
func RunLoop(vcpu vcpuRunner, stdin io.Reader, stdout io.Writer, log *logrus.Entry, onUnhandled func(reason uint32)) error {
	// A vCPU fd is only valid for ioctls issued from the thread that
	// created the mapping backing it; pin this goroutine for the loop's
	// lifetime so the Go scheduler never migrates it mid-syscall.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var bytesOut, bytesIn int

	for {
		if err := vcpu.Run(); err != nil {
			log.WithError(err).Error("vcpu run failed")
			return err
		}

		reason := vcpu.ExitReason()

		if reason == hypervisor.ExitIO {
			direction, size, port, count, data := vcpu.IOExit()
			if port == serialPort && size == serialSize && count == 1 {
				switch direction {
				case hypervisor.IODirectionOut:
					if _, err := stdout.Write(data[:1]); err != nil {
						log.WithError(err).Error("serial stdout write failed")
						return err
					}
					bytesOut++
					continue
				case hypervisor.IODirectionIn:
					var b [1]byte
					_, err := io.ReadFull(stdin, b[:])
					if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
						log.WithFields(logrus.Fields{
							"bytes_out": bytesOut,
							"bytes_in":  bytesIn,
						}).Info("guest stdin reached EOF, stopping cleanly")
						return nil
					}
					if err != nil {
						log.WithError(err).Error("serial stdin read failed")
						return err
					}
					data[0] = b[0]
					bytesIn++
					continue
				}
			}
		}

		log.WithField("exit_reason", reason).Warn("unhandled vcpu exit")
		if onUnhandled != nil {
			onUnhandled(reason)
		}
		return fmt.Errorf("exit reason %d: %w", reason, ErrUnhandledExit)
	}
}
