// Package pagetable builds the two-level AArch64 page tables this core
// programs into TTBR0/TTBR1 (stage-1) and VTTBR_EL2 (stage-2). It does not
// touch any system register itself — see internal/mm/vmm for that — it only
// produces the in-memory descriptor tables and the bookkeeping to mutate
// them.
package pagetable

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/aarch64core/internal/kernerr"
	"github.com/tinyrange/aarch64core/internal/mm/alloc"
	"github.com/tinyrange/aarch64core/internal/telemetry"
)

const (
	// PageSize is the 64 KiB translation granule this core always uses.
	PageSize = 1 << 16

	// l2Entries is fixed by the 1.5 GiB VA budget (3 * 8192 * 64KiB).
	l2Entries = 3
	l3Entries = 8192

	l3IndexBits = 13 // bits 28..16
	l2IndexBits = 6  // bits 34..29, but only 0..2 are ever valid
)

// Perm is the L2-entry access-permission field (AP[2:1] equivalent).
type Perm uint8

const (
	PermKernelRW Perm = iota
	PermKernelRO
	PermUserRW
	PermUserRO
)

// Attr selects the MAIR index an L3 entry's AttrIndx field points at.
type Attr uint8

const (
	AttrNormal       Attr = 0 // normal, inner/outer write-back
	AttrDevice       Attr = 1 // device, nGnRE
	AttrNonCacheable Attr = 2
)

// rawL3Entry packs the fields of an L3 descriptor: validity, permission,
// shareability, attribute index, access
// flag, and a 32-bit physical frame number (bits 16..47 of the physical
// address, since every mapping is 64 KiB aligned).
type rawL3Entry struct {
	valid   bool
	perm    Perm
	shared  bool
	attr    Attr
	af      bool
	frame   uint32 // physical address >> 16
	s2      bool   // stage-2 entry: frame/attr fields mean S2AP/MemAttr
	s2Attr  uint8  // 4-bit MemAttr, only meaningful when s2 is set
	guestAF bool   // alias of af, kept distinct for the lazy-fault flow
}

func (e rawL3Entry) physAddr() uint64 {
	return uint64(e.frame) << 16
}

// L3Table is one leaf table of 8192 64 KiB-page descriptors.
type L3Table struct {
	entries [l3Entries]rawL3Entry
}

// l2Entry records the two L2 descriptor fields this package tracks:
// validity and the physical address of its L3Table. No table-type or
// access-permission field is stored at this level.
type l2Entry struct {
	valid bool
	baddr uint64 // physical address of the L3Table
}

// PageTable is the two-tier structure: one L2 table with up to 3 valid
// entries, each pointing at one 8192-entry L3 table.
type PageTable struct {
	l2  [l2Entries]l2Entry
	l3  [l2Entries]*L3Table
	st2 bool // true for a stage-2 (guest) table

	alloc *alloc.Wilderness
}

// New builds an L2 table and its three L3 tables as ordinary Go values (not
// carved from a), marking every L2 entry valid with its L3 table's address.
// perm is not recorded; permissions live on each L3 entry via SetEntry.
func New(a *alloc.Wilderness, perm Perm) *PageTable {
	pt := &PageTable{alloc: a}
	for i := range pt.l3 {
		pt.l3[i] = &L3Table{}
		pt.l2[i] = l2Entry{valid: true, baddr: uint64(uintptr(unsafe.Pointer(pt.l3[i])))}
	}
	_ = perm // permission is recorded per L3 entry in SetEntry, not duplicated here
	return pt
}

// NewStage2 is the S2 analogue of New: same shape, and every entry SetEntry
// installs is flagged as stage-2 while keeping the same perm/attr fields as
// a stage-1 entry (s2Attr is not filled in). GuestPageTable.FaultIn creates
// entries with AF cleared to force an access-flag fault on the guest's
// first touch (lazy stage-2 faulting, see DESIGN.md).
func NewStage2(a *alloc.Wilderness) *PageTable {
	pt := New(a, PermKernelRW)
	pt.st2 = true
	return pt
}

// vaToIndices decodes a virtual address into (l2, l3) indices: l2 = bits
// 34..29 (only values 0..2 are valid, since l2Entries==3), l3 = bits 28..16.
// It panics on misaligned input or an out-of-range l2 index — both are
// caller bugs, not runtime conditions.
func vaToIndices(va uint64) (l2, l3 int) {
	if va%PageSize != 0 {
		panic(fmt.Sprintf("pagetable: address 0x%x is not %d-byte aligned", va, PageSize))
	}
	shifted := va >> 16
	l3 = int(shifted & ((1 << l3IndexBits) - 1))
	l2 = int((shifted >> l3IndexBits) & ((1 << l2IndexBits) - 1))
	if l2 >= l2Entries {
		panic(fmt.Sprintf("pagetable: address 0x%x -> l2 index %d out of range", va, l2))
	}
	return l2, l3
}

// IsValid reports whether the entry covering va is present.
func (pt *PageTable) IsValid(va uint64) bool {
	l2, l3 := vaToIndices(va)
	return pt.l3[l2].entries[l3].valid
}

// entry returns a pointer to the raw L3 descriptor covering va.
func (pt *PageTable) entry(va uint64) *rawL3Entry {
	l2, l3 := vaToIndices(va)
	return &pt.l3[l2].entries[l3]
}

// SetEntry installs a present mapping at va, pointing to the page at
// physAddr with the given permission and memory attribute. af controls the
// AF bit: kernel/user stage-1 mappings are always created with af=true;
// stage-2 mappings start with af=false to force the first-touch fault.
func (pt *PageTable) SetEntry(va, physAddr uint64, perm Perm, attr Attr, af bool) {
	if physAddr%PageSize != 0 {
		panic(fmt.Sprintf("pagetable: physical address 0x%x is not %d-byte aligned", physAddr, PageSize))
	}
	e := pt.entry(va)
	*e = rawL3Entry{
		valid: true,
		perm:  perm,
		attr:  attr,
		af:    af,
		frame: uint32(physAddr >> 16),
		s2:    pt.st2,
	}
}

// ClearEntry invalidates the mapping at va without freeing its backing
// page; callers that need to free the page must do so themselves.
func (pt *PageTable) ClearEntry(va uint64) {
	*pt.entry(va) = rawL3Entry{}
}

// MarkAccessed sets the AF bit on the entry covering va. This is the
// single write that resolves a stage-2 access-flag fault on first guest
// touch (§5.9/§5.10 lazy stage-2 faulting).
func (pt *PageTable) MarkAccessed(va uint64) error {
	e := pt.entry(va)
	if !e.valid {
		return kernerr.New(kernerr.BadAddress, "mark_accessed")
	}
	e.af = true
	return nil
}

// PhysAddr returns the physical frame mapped at va, or (0, false) if the
// entry is invalid.
func (pt *PageTable) PhysAddr(va uint64) (uint64, bool) {
	e := pt.entry(va)
	if !e.valid {
		return 0, false
	}
	return e.physAddr(), true
}

// AllocPage carves one 64 KiB page from the allocator and installs it at
// va with perm/attr; it is the building block both KernPageTable's
// identity map and UserPageTable.Alloc use. Returns NoMemory if the
// allocator is exhausted.
func (pt *PageTable) AllocPage(va uint64, perm Perm, attr Attr) error {
	if va%PageSize != 0 {
		return kernerr.New(kernerr.InvalidArgument, "alloc_page")
	}

	// Double-alloc deallocates the old entry first and proceeds: this is
	// an idempotent overwrite, not a bug (see spec §5.2).
	if pt.IsValid(va) {
		if old, ok := pt.PhysAddr(va); ok {
			pt.alloc.Dealloc(unsafe.Pointer(uintptr(old)), alloc.Layout{Size: PageSize, Align: PageSize})
		}
		pt.ClearEntry(va)
	}

	ptr := pt.alloc.Alloc(alloc.Layout{Size: PageSize, Align: PageSize})
	if ptr == nil {
		return kernerr.New(kernerr.NoMemory, "alloc_page")
	}

	pt.SetEntry(va, uint64(uintptr(ptr)), perm, attr, true)
	return nil
}

// BAddr returns the table's root physical address for TTBRn/VTTBR_EL2
// programming. In this simulation that is simply the host address backing
// the L2 table, matching the convention internal/mm/alloc uses for every
// other physical handle.
func (pt *PageTable) BAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&pt.l2)))
}

// UserImgBase is the lowest virtual address a UserPageTable will ever map;
// every address a process-facing API accepts is relative to it.
const UserImgBase = 0x1000000 // 16 MiB, below the kernel's identity map

// KernPageTable builds the always-resident TTBR1 mapping: an identity map
// of every RAM page up to ramEnd with normal memory attributes, followed by
// the peripheral window [ioBase, ioBase+ioSize) mapped with device
// attributes, mirroring KernPageTable::new in the original source.
func KernPageTable(a *alloc.Wilderness, ramEnd, ioBase, ioSize uint64) (*PageTable, error) {
	pt := New(a, PermKernelRW)

	ramEnd -= ramEnd % PageSize
	for addr := uint64(0); addr < ramEnd; addr += PageSize {
		pt.SetEntry(addr, addr, PermKernelRW, AttrNormal, true)
	}

	ioEnd := ioBase + ioSize
	for addr := ioBase; addr < ioEnd; addr += PageSize {
		pt.SetEntry(addr, addr, PermKernelRW, AttrDevice, true)
	}

	return pt, nil
}

// UserPageTable wraps a PageTable whose virtual addresses are all relative
// to UserImgBase, matching the original source's UserPageTable newtype.
type UserPageTable struct {
	*PageTable
	log      debugLogger
	counters *telemetry.Registry
}

// SetCounters installs the registry Alloc increments a "pagefault.user"
// count on, the per-page-fault count the telemetry registry's package
// doc promises alongside the IRQ controller's per-source counts. A nil
// registry (the default) leaves Alloc uninstrumented.
func (u *UserPageTable) SetCounters(reg *telemetry.Registry) {
	u.counters = reg
}

// debugLogger is the minimal surface UserPageTable needs from the tracer,
// kept as an interface so tests can substitute a recorder.
type debugLogger interface {
	Writef(format string, args ...any)
}

// NewUserPageTable constructs an empty process address space.
func NewUserPageTable(a *alloc.Wilderness, log debugLogger) *UserPageTable {
	return &UserPageTable{PageTable: New(a, PermUserRW), log: log}
}

func (u *UserPageTable) sub(va uint64) uint64 {
	if va < UserImgBase {
		panic(fmt.Sprintf("pagetable: address 0x%x is below UserImgBase 0x%x", va, uint64(UserImgBase)))
	}
	return va - UserImgBase
}

// Alloc carves a page and maps it at va (absolute, i.e. >= UserImgBase). If
// va is already mapped the old page is released and the overwrite is
// logged, matching the original's "allocating over an already allocated
// page" warning rather than silently leaking the stale mapping.
func (u *UserPageTable) Alloc(va uint64) error {
	if u.counters != nil {
		u.counters.Counter("pagefault.user").Inc()
	}

	rel := u.sub(va)
	if u.IsValid(rel) {
		if u.log != nil {
			u.log.Writef("allocating over an already allocated page: 0x%x", va)
		}
	}
	return u.PageTable.AllocPage(rel, PermUserRW, AttrNormal)
}

// IsMapped reports whether an absolute user virtual address has a page.
func (u *UserPageTable) IsMapped(va uint64) bool {
	return u.IsValid(u.sub(va))
}

// PhysAddr returns the physical frame backing an absolute user virtual
// address, shadowing the embedded PageTable.PhysAddr (which expects a
// table-relative address) with the absolute-address convention every
// other UserPageTable method uses.
func (u *UserPageTable) PhysAddr(va uint64) (uint64, bool) {
	return u.PageTable.PhysAddr(u.sub(va))
}

// PageBytes returns a byte slice viewing the live page backing an
// absolute user virtual address, or nil if unmapped. This is the Go
// analogue of the original source's get_page_ref: the slice aliases the
// simulated physical memory directly, so writes are visible to anything
// else holding the same physical address.
func (u *UserPageTable) PageBytes(va uint64) []byte {
	phys, ok := u.PhysAddr(va)
	if !ok {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(phys))), PageSize)
}

// Dealloc releases the page mapped at an absolute user virtual address. It
// reports false if nothing was mapped there.
func (u *UserPageTable) Dealloc(va uint64) bool {
	rel := u.sub(va)
	if !u.IsValid(rel) {
		return false
	}
	phys, _ := u.PageTable.PhysAddr(rel)
	u.alloc.Dealloc(unsafe.Pointer(uintptr(phys)), alloc.Layout{Size: PageSize, Align: PageSize})
	u.ClearEntry(rel)
	return true
}

// GuestPageTable is the stage-2 variant used by the hypervisor core: its
// virtual addresses are intermediate physical addresses (IPAs) and entries
// are created with the access flag cleared so the first guest touch raises
// an access-flag fault the hypervisor resolves lazily (§5.9/§5.10).
type GuestPageTable struct {
	*PageTable
	counters *telemetry.Registry
}

func NewGuestPageTable(a *alloc.Wilderness) *GuestPageTable {
	return &GuestPageTable{PageTable: NewStage2(a)}
}

// SetCounters installs the registry FaultIn increments a
// "pagefault.guest" count on; a nil registry (the default) leaves
// FaultIn uninstrumented.
func (g *GuestPageTable) SetCounters(reg *telemetry.Registry) {
	g.counters = reg
}

// FaultIn maps ipa to a freshly carved page with AF cleared, to be set only
// once the hypervisor observes the corresponding access-flag fault.
func (g *GuestPageTable) FaultIn(ipa uint64) error {
	if g.counters != nil {
		g.counters.Counter("pagefault.guest").Inc()
	}

	if g.IsValid(ipa) {
		return kernerr.New(kernerr.FileExists, "fault_in")
	}
	ptr := g.alloc.Alloc(alloc.Layout{Size: PageSize, Align: PageSize})
	if ptr == nil {
		return kernerr.New(kernerr.NoMemory, "fault_in")
	}
	g.SetEntry(ipa, uint64(uintptr(ptr)), PermKernelRW, AttrNormal, false)
	return nil
}
