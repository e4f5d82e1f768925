// Package boot implements the exception-level bring-up sequence that
// runs before any other component: the EL3->EL2 drop (when a secure
// monitor handed off at EL3), the EL2->EL1 drop for a kernel-mode boot
// (skipped for a hypervisor-mode boot), and the small per-level register
// programming each transition requires (VBAR, CNTVOFF, HCR_EL2, SCTLR).
// The actual MSR/eret sequence is issued through the Registers interface,
// so — like internal/mm/vmm — this package is exercised by host tests
// against a recording fake rather than real silicon.
package boot

import "fmt"

// Variant selects whether the image boots straight into kernel mode
// (EL1) or stays at EL2 as a hypervisor, mirroring BootVariant::kernel().
type Variant int

const (
	VariantHypervisor Variant = iota
	VariantKernel
)

// Level is the exception level bring-up finished at.
type Level int

const (
	EL1 Level = 1
	EL2 Level = 2
)

// Registers abstracts every system-register write and control-flow
// instruction the bring-up sequence issues. A real board's assembly
// stub supplies current_el() (reading CurrentEL) from outside this
// package, since by construction EL-transition code must run before
// any Go runtime initialization that this package's caller handles.
type Registers interface {
	CurrentEL() int

	// DropToEL2 programs SCR_EL3/SPSR_EL3/ELR_EL3 and erets from EL3 to
	// EL2, matching switch_to_el2. Only called when CurrentEL() == 3.
	DropToEL2()

	// DropToEL1 programs SP_EL1, CNTHCTL_EL2, CNTVOFF_EL2, HCR_EL2,
	// CPTR_EL2, CPACR_EL1, SPSR_EL2, and ELR_EL2, then erets from EL2 to
	// EL1, matching switch_to_el1. Only called when CurrentEL() == 2.
	DropToEL1()

	// SetVBAR installs the exception-vector base for the given level.
	SetVBAR(level Level, addr uint64)

	// MaskAllInterrupts sets DAIF to D|A|I|F, matching el1_init's
	// unconditional interrupt mask before any handler can fire.
	MaskAllInterrupts()

	DSB()
	DMB()
}

// Addresses the bring-up sequence needs from the linked image, supplied
// by the caller rather than read from linker symbols directly so this
// package stays free of unsafe pointer arithmetic.
type Addresses struct {
	KernelVectors uint64
	HyperVectors  uint64
}

// Bootstrap runs the full EL bring-up for the calling core: drop from
// EL3 to EL2 if necessary, then either stay at EL2 (hypervisor variant)
// or drop further to EL1 and run the kernel-mode vector/interrupt setup,
// mirroring kinit's "switch_to_el2(); if current_el()==2 { el2_init()/
// kmain(true) } else { switch_to_el1(); el1_init()/kmain(false) }"
// branch. It returns the exception level execution continues at.
func Bootstrap(regs Registers, variant Variant, addrs Addresses) (Level, error) {
	if regs.CurrentEL() == 3 {
		regs.DropToEL2()
	}

	el := regs.CurrentEL()
	if el != 2 {
		return 0, fmt.Errorf("boot: bootstrap: expected EL2 after drop, got EL%d", el)
	}

	if variant == VariantHypervisor {
		regs.SetVBAR(EL2, addrs.HyperVectors)
		regs.DSB()
		regs.DMB()
		return EL2, nil
	}

	regs.DropToEL1()
	if regs.CurrentEL() != 1 {
		return 0, fmt.Errorf("boot: bootstrap: expected EL1 after drop, got EL%d", regs.CurrentEL())
	}

	regs.SetVBAR(EL1, addrs.KernelVectors)
	regs.MaskAllInterrupts()
	regs.DMB()
	return EL1, nil
}
