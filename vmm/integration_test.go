//go:build linux

package vmm

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/flatvm/hypervisor"
)

func requireKVM(t *testing.T) {
	t.Helper()
	if !hypervisor.Available() {
		t.Skip("/dev/kvm not available")
	}
}

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := t.TempDir() + "/image.bin"
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// TestRealModeHaltIsUnhandledExit boots image = {0xF4} (HLT) at offset 0.
func TestRealModeHaltIsUnhandledExit(t *testing.T) {
	requireKVM(t)

	path := writeImage(t, []byte{0xF4})
	var stderr bytes.Buffer
	err := Run(Options{Mode: ModeReal, MemBytes: 4096, ImagePath: path},
		strings.NewReader(""), io.Discard, &stderr, newTestLogger())

	require.Error(t, err)
	assert.Contains(t, stderr.String(), "HLT")
}

// TestRealModeSerialHello writes 'H','i','\n' one byte at a time via
// OUT DX,AL to port 0x3F8 (the port number doesn't fit the 8-bit immediate
// form of OUT, so DX carries it) then halts:
//
//	mov dx, 0x3F8
//	mov al, 'H'; out dx, al
//	mov al, 'i'; out dx, al
//	mov al, 0x0A; out dx, al
//	hlt
func TestRealModeSerialHello(t *testing.T) {
	requireKVM(t)

	image := []byte{
		0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xB0, 'H', 0xEE, // mov al, 'H'; out dx, al
		0xB0, 'i', 0xEE, // mov al, 'i'; out dx, al
		0xB0, 0x0A, 0xEE, // mov al, 0x0A; out dx, al
		0xF4, // hlt
	}
	path := writeImage(t, image)

	var stdout, stderr bytes.Buffer
	err := Run(Options{Mode: ModeReal, MemBytes: 4096, ImagePath: path},
		strings.NewReader(""), &stdout, &stderr, newTestLogger())

	require.Error(t, err) // halt is an unhandled exit
	assert.Equal(t, "Hi\n", stdout.String())
	assert.Contains(t, stderr.String(), "HLT")
}

// TestProtectedModeEntryRunsImmediately checks that AssembleBootState
// configures CS and all data segments as flat 32-bit protected-mode
// descriptors before the first resume, so the image needs no mode-switch
// preamble — it starts executing 32-bit code directly at the entry point.
// The 0x66 operand-size prefix makes 0xBA a 16-bit mov in 32-bit code.
func TestProtectedModeEntryRunsImmediately(t *testing.T) {
	requireKVM(t)

	image := []byte{
		0x66, 0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xB0, 'P', // mov al, 'P'
		0xEE, // out dx, al
		0xF4, // hlt
	}
	path := writeImage(t, image)

	var stdout bytes.Buffer
	err := Run(Options{Mode: ModeProtected, MemBytes: 1 << 20, ImagePath: path},
		strings.NewReader(""), &stdout, io.Discard, newTestLogger())

	require.Error(t, err)
	assert.Equal(t, "P", stdout.String())
}

// TestLongModeBuildsIdentityMapAutomatically writes 'L' via 64-bit code
// reached directly at entry point 0 (CS is already a 64-bit code segment
// per AssembleBootState, so no mode transition sequence is needed in the
// image itself) then halts, exercising the auto-built identity map path.
// The 0x66 operand-size prefix makes 0xBA a 16-bit mov in 64-bit code.
func TestLongModeBuildsIdentityMapAutomatically(t *testing.T) {
	requireKVM(t)

	image := []byte{
		0x66, 0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xB0, 'L', // mov al, 'L'
		0xEE, // out dx, al
		0xF4, // hlt
	}
	path := writeImage(t, image)

	var stdout bytes.Buffer
	err := Run(Options{Mode: ModeLong, MemBytes: 2 << 20, ImagePath: path},
		strings.NewReader(""), &stdout, io.Discard, newTestLogger())

	require.Error(t, err)
	assert.Equal(t, "L", stdout.String())
}

// TestEntryPointGuardFailsBeforeAnyResume checks that an out-of-range
// real-mode entry point is rejected before the vCPU ever resumes —
// Options.Validate catches it ahead of session construction.
func TestEntryPointGuardFailsBeforeAnyResume(t *testing.T) {
	path := writeImage(t, []byte{0xF4})
	err := Run(Options{Mode: ModeReal, EntryPoint: 0x10000, ImagePath: path},
		strings.NewReader(""), io.Discard, io.Discard, newTestLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntryTooHigh)
}

// TestStdinEOFStopsRunCleanly loops reading bytes from 0x3F8 with stdin
// already closed (empty reader): the very first IN hits EOF and the loop
// stops with a clean, non-error result.
func TestStdinEOFStopsRunCleanly(t *testing.T) {
	requireKVM(t)

	image := []byte{
		0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xEC, // in al, dx
		0xEB, 0xFD, // jmp back to the `in al, dx` instruction (loop forever, never reached: IN hits EOF first)
	}
	path := writeImage(t, image)

	err := Run(Options{Mode: ModeReal, MemBytes: 4096, ImagePath: path},
		strings.NewReader(""), io.Discard, io.Discard, newTestLogger())

	assert.NoError(t, err)
}
