package hypervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeString(t *testing.T) {
	assert.Equal(t, "real", ModeReal.String())
	assert.Equal(t, "protected", ModeProtected.String())
	assert.Equal(t, "long", ModeLong.String())
}

func TestCodeAndDataSegmentTables(t *testing.T) {
	cases := []struct {
		mode           Mode
		codeSel, dataSel uint16
		limit          uint32
		codeType, dataType uint8
		db, l, g       uint8
	}{
		{ModeReal, 0, 0, 0xFFFF, 0x0B, 0x03, 0, 0, 0},
		{ModeProtected, 8, 16, 0xFFFFFFFF, 0x0B, 0x03, 1, 0, 1},
		{ModeLong, 8, 16, 0xFFFFFFFF, 0x0B, 0x03, 0, 1, 1},
	}

	for _, tc := range cases {
		code := codeSegment(tc.mode)
		data := dataSegment(tc.mode)

		assert.Equalf(t, tc.codeSel, code.selector, "%v code selector", tc.mode)
		assert.Equalf(t, tc.dataSel, data.selector, "%v data selector", tc.mode)
		assert.Equalf(t, tc.limit, code.limit, "%v limit", tc.mode)
		assert.Equalf(t, tc.codeType, code.typ, "%v code type", tc.mode)
		assert.Equalf(t, tc.dataType, data.typ, "%v data type", tc.mode)
		assert.Equalf(t, tc.db, code.db, "%v DB", tc.mode)
		assert.Equalf(t, tc.l, code.l, "%v L", tc.mode)
		assert.Equalf(t, tc.g, code.g, "%v G", tc.mode)
		assert.Equal(t, uint64(0), code.base)
		assert.Equal(t, uint64(0), data.base)
	}
}

func TestEntryLimitGuardrails(t *testing.T) {
	assert.Equal(t, uint64(1<<16), entryLimit(ModeReal))
	assert.Equal(t, uint64(1<<32), entryLimit(ModeProtected))
	assert.Equal(t, uint64(0), entryLimit(ModeLong))
}

func TestAssembleBootStateRejectsRealModeEntryTooHigh(t *testing.T) {
	vm, cleanup := newTestVM(t)
	defer cleanup()

	vcpu, err := vm.CreateVCPU()
	require.NoError(t, err)

	_, err = AssembleBootState(vm, vcpu, BootOptions{
		Mode:       ModeReal,
		MemBytes:   1 << 20,
		EntryPoint: 1 << 16,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEntryTooHigh))
}

func TestAssembleBootStateRejectsProtectedModeEntryTooHigh(t *testing.T) {
	vm, cleanup := newTestVM(t)
	defer cleanup()

	vcpu, err := vm.CreateVCPU()
	require.NoError(t, err)

	_, err = AssembleBootState(vm, vcpu, BootOptions{
		Mode:       ModeProtected,
		MemBytes:   1 << 20,
		EntryPoint: 1 << 32,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEntryTooHigh))
}

func TestAssembleBootStateLongModeAcceptsArbitraryEntry(t *testing.T) {
	vm, cleanup := newTestVM(t)
	defer cleanup()

	vcpu, err := vm.CreateVCPU()
	require.NoError(t, err)

	const memBytes = 1 << 20
	region, err := AssembleBootState(vm, vcpu, BootOptions{
		Mode:       ModeLong,
		MemBytes:   memBytes,
		EntryPoint: memBytes - pageSize, // well within RAM, unconstrained by the mode
	})
	require.NoError(t, err)
	require.NotNil(t, region)
	defer region.Close()

	regs, err := vcpu.GetRegs()
	require.NoError(t, err)
	assert.Equal(t, uint64(memBytes-pageSize), regs.RIP)

	sregs, err := vcpu.GetSregs()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80000001), sregs.CR0&0x80000001)
	assert.Equal(t, uint64(0x20), sregs.CR4&0x20)
	assert.Equal(t, uint64(0x500), sregs.EFER&0x500)
	assert.NotZero(t, sregs.CR3)
}

func TestAssembleBootStateLongModeHonorsExternalPageTableBase(t *testing.T) {
	vm, cleanup := newTestVM(t)
	defer cleanup()

	vcpu, err := vm.CreateVCPU()
	require.NoError(t, err)

	const external = 0x200000
	base := uint64(external)
	region, err := AssembleBootState(vm, vcpu, BootOptions{
		Mode:                  ModeLong,
		MemBytes:              1 << 20,
		EntryPoint:            0,
		ExternalPageTableBase: &base,
	})
	require.NoError(t, err)
	assert.Nil(t, region)

	sregs, err := vcpu.GetSregs()
	require.NoError(t, err)
	assert.Equal(t, uint64(external), sregs.CR3)
}
