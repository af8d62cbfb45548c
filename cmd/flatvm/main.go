// Command flatvm boots a raw binary image in a single KVM-backed guest
// vCPU, bridging its serial port to this process's stdin/stdout.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"example.com/flatvm/vmm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, vmm.ErrHypervisorUnavailable):
		return 2
	case errors.Is(err, vmm.ErrMemoryRegistrationFailed):
		return 3
	case errors.Is(err, vmm.ErrImageLoadFailed):
		return 4
	case errors.Is(err, vmm.ErrEntryTooHigh):
		return 5
	case errors.Is(err, vmm.ErrRegisterAccessFailed):
		return 6
	case errors.Is(err, vmm.ErrRunFailed):
		return 7
	case errors.Is(err, vmm.ErrUnhandledExit):
		return 8
	default:
		return 1
	}
}

func newRootCmd() *cobra.Command {
	var (
		real, protected, long bool
		memStr, entryStr      string
		pageTableStr          string
	)

	cmd := &cobra.Command{
		Use:          "flatvm <image>",
		Short:        "Boot a flat binary image in a single hardware-assisted guest vCPU",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := resolveMode(real, protected, long)
			if err != nil {
				return err
			}

			memBytes, err := parseUintFlag("-m", memStr, 0)
			if err != nil {
				return err
			}
			entry, err := parseUintFlag("-e", entryStr, 0)
			if err != nil {
				return err
			}

			var pageTableBase *uint64
			if pageTableStr != "" {
				if mode != vmm.ModeLong {
					return fmt.Errorf("-p is only valid with -L (long mode)")
				}
				v, err := parseUintFlag("-p", pageTableStr, 0)
				if err != nil {
					return err
				}
				pageTableBase = &v
			}

			opts := vmm.Options{
				Mode:                  mode,
				MemBytes:              memBytes,
				EntryPoint:            entry,
				ExternalPageTableBase: pageTableBase,
				ImagePath:             args[0],
			}

			log := logrus.NewEntry(logrus.StandardLogger())
			return vmm.Run(opts, os.Stdin, os.Stdout, os.Stderr, log)
		},
	}

	cmd.Flags().BoolVarP(&real, "real", "R", false, "boot in real mode (default)")
	cmd.Flags().BoolVarP(&protected, "protected", "P", false, "boot in protected mode")
	cmd.Flags().BoolVarP(&long, "long", "L", false, "boot in long mode")
	cmd.Flags().StringVarP(&memStr, "mem", "m", "0x100000", "guest RAM size in bytes (decimal, 0x hex, or 0 octal)")
	cmd.Flags().StringVarP(&entryStr, "entry", "e", "0", "guest entry point address")
	cmd.Flags().StringVarP(&pageTableStr, "page-table", "p", "", "external page table base (long mode only)")

	return cmd
}

func resolveMode(real, protected, long bool) (vmm.Mode, error) {
	count := 0
	mode := vmm.ModeReal
	if real {
		count++
		mode = vmm.ModeReal
	}
	if protected {
		count++
		mode = vmm.ModeProtected
	}
	if long {
		count++
		mode = vmm.ModeLong
	}
	if count > 1 {
		return vmm.ModeReal, fmt.Errorf("-R, -P, and -L are mutually exclusive")
	}
	return mode, nil
}

// parseUintFlag parses with base 0 so "123", "0x7b", and "0173" are all
// accepted, per the CLI's documented -m/-e/-p semantics.
func parseUintFlag(name, s string, fallback uint64) (uint64, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", name, s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: must not be negative", name)
	}
	return uint64(n), nil
}
