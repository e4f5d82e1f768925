// Package vmm programs the system registers that turn a built page table
// into the live translation regime for a core: MAIR/TCR/TTBR at EL1 for the
// kernel, and their EL2 counterparts (plus VTCR/VTTBR/HCR_EL2) for the
// hypervisor. The actual MSR/TLBI/barrier sequence is issued through the
// Registers interface so this package, like internal/mm/alloc and
// internal/mm/pagetable, is exercised by ordinary host tests against a
// recording fake; a real board wires a hardware-backed implementation in
// (out-of-scope) board bring-up code.
package vmm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/aarch64core/internal/mm/pagetable"
)

// TLBScope selects which flush sequence flushTLBs issues, mirroring the
// kernel-vs-hypervisor asm branch in the original source.
type TLBScope int

const (
	// TLBScopeKernel flushes the EL1 stage-1 TLB only (vmalle1).
	TLBScopeKernel TLBScope = iota
	// TLBScopeHypervisor flushes both the EL2 and combined stage-1+2 TLBs
	// (alle2, vmalls12e1).
	TLBScopeHypervisor
)

// Registers abstracts the system-register writes and barrier/TLB
// instructions this package sequences. Every method corresponds to exactly
// one architectural register or instruction named in the component design.
type Registers interface {
	SetMAIR(el1 bool, value uint64)
	SetTCR(value uint64)
	SetTCREL2(value uint64)
	SetVTCR(value uint64)
	SetTTBR0(el1 bool, value uint64)
	SetTTBR1(value uint64)
	SetVTTBR(value uint64)
	EnableMMU(el1 bool)
	SetHCRVM()
	DSB(innerShareable bool)
	ISB()
	FlushTLB(scope TLBScope)
	CleanDCacheLine(addr uint64)
}

// Manager owns the current kernel and hypervisor page tables and
// serializes every mutation and register-programming sequence behind a
// single lock.
type Manager struct {
	mu   sync.Mutex
	regs Registers

	kernTable  *pagetable.PageTable
	hyperTable *pagetable.PageTable
}

// New returns a Manager driving the given register backend.
func New(regs Registers) *Manager {
	return &Manager{regs: regs}
}

// mairValue packs the three AttrIndx slots every translation regime uses:
// 0 = normal IWBWA/OWBWA, 1 = device nGnRE, 2 = non-cacheable.
const mairValue = 0xFF<<0 | 0x04<<8 | 0x44<<16

// tcrKernel builds TCR_EL1 for a 64 KiB granule on both halves, inner
// write-back shareable, with the given physical-address-size field and
// T0SZ/T1SZ region sizes.
func tcrKernel(ips, t0sz, t1sz uint64) uint64 {
	var v uint64
	v |= 0b00 << 37 // TBI=0
	v |= ips << 32
	v |= 0b11 << 30 // TG1=64k
	v |= 0b11 << 28 // SH1=inner
	v |= 0b01 << 26 // ORGN1=write back
	v |= 0b01 << 24 // IRGN1=write back
	v |= t1sz << 16
	v |= 0b01 << 14 // TG0=64k
	v |= 0b11 << 12 // SH0=inner
	v |= 0b01 << 10 // ORGN0=write back
	v |= 0b01 << 8  // IRGN0=write back
	v |= t0sz << 0
	return v
}

const tcrRes1 = 1 << 31 // TCR_EL2/VTCR_EL2 RES1 bit

// tcrHyper builds TCR_EL2 for a single (T0SZ-bounded) region.
func tcrHyper(ips, t0sz uint64) uint64 {
	v := uint64(tcrRes1)
	v |= 0b00 << 20 // TBI=0
	v |= ips << 16  // PS
	v |= 0b01 << 14 // TG0=64k
	v |= 0b11 << 12 // SH0=inner
	v |= 0b01 << 10 // ORGN0=write back
	v |= 0b01 << 8  // IRGN0=write back
	v |= t0sz << 0
	return v
}

// vtcr builds VTCR_EL2, identical to tcrHyper plus SL0=0b01, which with
// the 64 KiB granule selects starting level 2.
func vtcr(ips, t0sz uint64) uint64 {
	v := tcrHyper(ips, t0sz)
	v |= 0b01 << 6 // SL0, packed just above T0SZ's 6 bits
	return v
}

// SetKernel installs pt as the live kernel page table, to be programmed by
// the next SetupKernel call. It does not itself touch any register.
func (m *Manager) SetKernel(pt *pagetable.PageTable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kernTable = pt
}

// SetupKernel programs MAIR_EL1, TCR_EL1, TTBR0_EL1, TTBR1_EL1, and
// SCTLR_EL1.{M,C,I} in the exact order the original boot sequence uses,
// then flushes the stage-1 TLB. ipaBits/kernMaskBits/userMaskBits are the
// TCR PARange/T0SZ/T1SZ fields this board's MMU feature register reports;
// they are supplied by the caller rather than read from hardware so this
// path is host-testable.
func (m *Manager) SetupKernel(ipaBits, kernMaskBits, userMaskBits uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernTable == nil {
		return fmt.Errorf("vmm: setup_kernel: no kernel page table installed")
	}

	m.regs.SetMAIR(true, mairValue)
	m.regs.SetTCR(tcrKernel(ipaBits, kernMaskBits, userMaskBits))
	m.regs.ISB()

	baddr := m.kernTable.BAddr()
	m.regs.SetTTBR0(true, baddr)
	m.regs.SetTTBR1(baddr)

	m.regs.DSB(true)
	m.regs.ISB()

	m.regs.EnableMMU(true)

	m.regs.DSB(false)
	m.regs.ISB()

	m.regs.FlushTLB(TLBScopeKernel)
	return nil
}

// SetupHypervisor is the EL2 analogue of SetupKernel: it additionally
// programs VTCR_EL2 (stage-2 translation control, starting level 2),
// VTTBR_EL2 (the guest's stage-2 table root), and sets HCR_EL2.VM to turn
// on stage-2 translation for every VM entry from this core.
func (m *Manager) SetupHypervisor(pt *pagetable.PageTable, ipaBits, kernMaskBits uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hyperTable = pt
	if m.hyperTable == nil {
		return fmt.Errorf("vmm: setup_hypervisor: no hypervisor page table installed")
	}

	m.regs.SetMAIR(false, mairValue)
	m.regs.SetTCREL2(tcrHyper(ipaBits, kernMaskBits))
	m.regs.SetVTCR(vtcr(ipaBits, kernMaskBits))
	m.regs.ISB()

	baddr := m.hyperTable.BAddr()
	m.regs.SetTTBR0(false, baddr)
	m.regs.SetVTTBR(baddr)

	m.regs.DSB(true)
	m.regs.ISB()

	m.regs.EnableMMU(false)
	m.regs.SetHCRVM()

	m.regs.DSB(false)
	m.regs.ISB()

	m.regs.FlushTLB(TLBScopeHypervisor)
	return nil
}

// MarkPageNonCached rewrites the kernel entry at addr to the non-cacheable
// attribute index and flushes the TLB, used to disable caching over MMIO
// buffers shared with a peripheral (e.g. the mailbox) that must not be
// cached coherently.
func (m *Manager) MarkPageNonCached(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernTable == nil {
		return fmt.Errorf("vmm: mark_page_non_cached: no kernel page table installed")
	}
	if addr%pagetable.PageSize != 0 {
		return fmt.Errorf("vmm: mark_page_non_cached: address 0x%x is not page aligned", addr)
	}

	phys, ok := m.kernTable.PhysAddr(addr)
	if !ok {
		return fmt.Errorf("vmm: mark_page_non_cached: 0x%x is unmapped", addr)
	}

	m.kernTable.SetEntry(addr, phys, pagetable.PermKernelRW, pagetable.AttrNonCacheable, true)
	m.regs.CleanDCacheLine(addr)
	m.regs.FlushTLB(TLBScopeKernel)
	return nil
}

// BAddr returns the physical root address of the currently installed
// kernel page table, for diagnostics and checkpoint persistence.
func (m *Manager) BAddr() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kernTable == nil {
		return 0, false
	}
	return m.kernTable.BAddr(), true
}
