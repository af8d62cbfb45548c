package vmm

import (
	"fmt"
	"io"

	"example.com/flatvm/hypervisor"
)

// exitReasonNames mirrors the kernel's KVM_EXIT_* enum. Indices beyond the
// last populated entry, and any entry left as "", print as "UNKNOWN" — the
// table is not extended with guessed names for reason codes this VMM has
// never observed.
var exitReasonNames = [...]string{
	0:  "UNKNOWN",
	1:  "EXCEPTION",
	2:  "IO",
	3:  "HYPERCALL",
	4:  "DEBUG",
	5:  "HLT",
	6:  "MMIO",
	7:  "IRQ_WINDOW_OPEN",
	8:  "SHUTDOWN",
	9:  "FAIL_ENTRY",
	10: "INTR",
	11: "SET_TPR",
	12: "TPR_ACCESS",
	13: "S390_SIEIC",
	14: "S390_RESET",
	15: "DCR",
	16: "NMI",
	17: "INTERNAL_ERROR",
	18: "OSI",
	19: "PAPR_HCALL",
	20: "S390_UCONTROL",
	21: "WATCHDOG",
	22: "S390_TSCH",
	23: "EPR",
	24: "SYSTEM_EVENT",
	25: "S390_STSI",
	26: "IOAPIC_EOI",
	27: "HYPERV",
}

func exitReasonName(reason uint32) string {
	if int(reason) < len(exitReasonNames) && exitReasonNames[reason] != "" {
		return exitReasonNames[reason]
	}
	return "UNKNOWN"
}

// Dump writes a full diagnostic snapshot of vcpu's current state to w: the
// exit reason name, IO/MMIO exit details when applicable, and the complete
// register file. It reads registers fresh from vcpu rather than from any
// cached copy, since the goal is to show exactly what the hypervisor
// reports at the moment of an unhandled exit.
func Dump(w io.Writer, vcpu *hypervisor.VCPU, reason uint32) {
	fmt.Fprintf(w, "vm exit: %s (%d)\n", exitReasonName(reason), reason)

	switch reason {
	case hypervisor.ExitIO:
		direction, size, port, count, data := vcpu.IOExit()
		dir := "IN"
		if direction == hypervisor.IODirectionOut {
			dir = "OUT"
		}
		fmt.Fprintf(w, "  io: direction=%s port=0x%x size=%d count=%d\n", dir, port, size, count)
		if direction == hypervisor.IODirectionOut {
			fmt.Fprintf(w, "  io data: % x\n", data)
		}
	case hypervisor.ExitMMIO:
		addr, data, isWrite := vcpu.MMIOExit()
		fmt.Fprintf(w, "  mmio: addr=0x%x len=%d write=%v\n", addr, len(data), isWrite)
		if isWrite {
			fmt.Fprintf(w, "  mmio data: % x\n", data)
		}
	}

	regs, err := vcpu.GetRegs()
	if err != nil {
		fmt.Fprintf(w, "  (failed to read registers: %v)\n", err)
		return
	}
	fmt.Fprintf(w, "  rax=%016x rbx=%016x rcx=%016x rdx=%016x\n", regs.RAX, regs.RBX, regs.RCX, regs.RDX)
	fmt.Fprintf(w, "  rsi=%016x rdi=%016x rsp=%016x rbp=%016x\n", regs.RSI, regs.RDI, regs.RSP, regs.RBP)
	fmt.Fprintf(w, "  r8=%016x  r9=%016x  r10=%016x r11=%016x\n", regs.R8, regs.R9, regs.R10, regs.R11)
	fmt.Fprintf(w, "  r12=%016x r13=%016x r14=%016x r15=%016x\n", regs.R12, regs.R13, regs.R14, regs.R15)
	fmt.Fprintf(w, "  rip=%016x rflags=%016x\n", regs.RIP, regs.RFLAGS)

	sregs, err := vcpu.GetSregs()
	if err != nil {
		fmt.Fprintf(w, "  (failed to read system registers: %v)\n", err)
		return
	}
	dumpSegment(w, "cs", sregs.CS)
	dumpSegment(w, "ds", sregs.DS)
	dumpSegment(w, "es", sregs.ES)
	dumpSegment(w, "fs", sregs.FS)
	dumpSegment(w, "gs", sregs.GS)
	dumpSegment(w, "ss", sregs.SS)
	dumpSegment(w, "tr", sregs.TR)
	dumpSegment(w, "ldt", sregs.LDT)
	fmt.Fprintf(w, "  gdt: base=%016x limit=%04x\n", sregs.GDT.Base, sregs.GDT.Limit)
	fmt.Fprintf(w, "  idt: base=%016x limit=%04x\n", sregs.IDT.Base, sregs.IDT.Limit)
	fmt.Fprintf(w, "  cr0=%016x cr2=%016x cr3=%016x cr4=%016x cr8=%016x\n",
		sregs.CR0, sregs.CR2, sregs.CR3, sregs.CR4, sregs.CR8)
	fmt.Fprintf(w, "  efer=%016x apic_base=%016x\n", sregs.EFER, sregs.ApicBase)
	fmt.Fprintf(w, "  interrupt_bitmap: %v\n", sregs.InterruptBitmap)
}

func dumpSegment(w io.Writer, name string, seg hypervisor.Segment) {
	fmt.Fprintf(w, "  %s: base=%016x limit=%08x selector=%04x type=%02x present=%d dpl=%d db=%d s=%d l=%d g=%d\n",
		name, seg.Base, seg.Limit, seg.Selector, seg.Type, seg.Present, seg.DPL, seg.DB, seg.S, seg.L, seg.G)
}
