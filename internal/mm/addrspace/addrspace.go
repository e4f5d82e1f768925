// Package addrspace manages one process's set of virtual-memory regions
// and the UserPageTable backing them: region bookkeeping (insert in
// sorted order, reject overlap, paint pages eagerly or lazily depending on
// kind) lives here, separate from the page-table mechanics in
// internal/mm/pagetable.
package addrspace

import (
	"sort"

	"github.com/tinyrange/aarch64core/internal/kernerr"
	"github.com/tinyrange/aarch64core/internal/mm/alloc"
	"github.com/tinyrange/aarch64core/internal/mm/pagetable"
	"github.com/tinyrange/aarch64core/internal/telemetry"
)

// Kind distinguishes how a region's pages are populated and how faults
// inside it are resolved.
type Kind int

const (
	// Normal regions are backed by ordinary allocated pages, painted
	// eagerly when the region is created.
	Normal Kind = iota
	// Emulated regions are routed to a device's Read/Write on every
	// access; DeviceRef names which device owns the region.
	Emulated
	// HwPassthrough regions are a direct volatile window onto physical
	// MMIO; this package records them but does not paint any pages for
	// them.
	HwPassthrough
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "Normal"
	case Emulated:
		return "Emulated"
	case HwPassthrough:
		return "HwPassthrough"
	default:
		return "Unknown"
	}
}

// Region is the quadruple (start_va, length, kind, owner): a contiguous,
// page-aligned span of one address space's virtual memory.
type Region struct {
	StartVA uint64
	Length  uint64
	Kind    Kind
	// DeviceRef names the device an Emulated region routes to; empty for
	// every other kind.
	DeviceRef string
}

func (r Region) end() uint64 { return r.StartVA + r.Length }

// Manager is the per-process AddressSpaceManager: a page table plus the
// sorted, non-overlapping list of regions painted onto it.
type Manager struct {
	table   *pagetable.UserPageTable
	regions []Region
}

// New returns an address space with an empty UserPageTable.
func New(a *alloc.Wilderness, log interface {
	Writef(format string, args ...any)
}) *Manager {
	return &Manager{table: pagetable.NewUserPageTable(a, log)}
}

// Table exposes the backing page table for TTBR programming and trap
// handling (e.g. marking a stage-1 entry accessed).
func (m *Manager) Table() *pagetable.UserPageTable { return m.table }

// SetCounters forwards reg to the backing UserPageTable so every Alloc
// this Manager triggers counts a "pagefault.user" increment.
func (m *Manager) SetCounters(reg *telemetry.Registry) {
	m.table.SetCounters(reg)
}

// AddRegion validates alignment, locates the sorted insertion point,
// rejects any overlap with the neighboring regions, inserts, and paints
// the new region's pages.
func (m *Manager) AddRegion(r Region) error {
	if r.StartVA%pagetable.PageSize != 0 || r.Length%pagetable.PageSize != 0 {
		return kernerr.New(kernerr.InvalidArgument, "add_region")
	}

	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].StartVA > r.StartVA
	})

	if idx > 0 {
		before := m.regions[idx-1]
		if before.end() > r.StartVA {
			return kernerr.New(kernerr.InvalidArgument, "add_region")
		}
	}
	if idx < len(m.regions) {
		after := m.regions[idx]
		if r.end() > after.StartVA {
			return kernerr.New(kernerr.InvalidArgument, "add_region")
		}
	}

	m.regions = append(m.regions, Region{})
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r

	return m.paint(r)
}

// paint allocates a backing page for every unmapped, page-aligned address
// in the region. Already-valid entries are left untouched, which is what
// makes region creation idempotent with respect to re-painting on growth.
// Only Normal regions are painted: Emulated and HwPassthrough regions get
// no page-table entries here and stay unmapped.
func (m *Manager) paint(r Region) error {
	if r.Kind != Normal {
		return nil
	}
	for va := r.StartVA; va < r.end(); va += pagetable.PageSize {
		if m.table.IsMapped(va) {
			continue
		}
		if err := m.table.Alloc(va); err != nil {
			return err
		}
	}
	return nil
}

// regionIndex returns the index of the region covering va, or -1.
func (m *Manager) regionIndex(va uint64) int {
	for i, r := range m.regions {
		if r.StartVA <= va && va < r.end() {
			return i
		}
	}
	return -1
}

// GetRegion returns the region covering va, if any.
func (m *Manager) GetRegion(va uint64) (Region, bool) {
	if i := m.regionIndex(va); i >= 0 {
		return m.regions[i], true
	}
	return Region{}, false
}

// ExpandRegion grows the region covering va by delta bytes (a multiple of
// the page size) and repaints the newly added span.
func (m *Manager) ExpandRegion(va, delta uint64) error {
	if delta%pagetable.PageSize != 0 {
		return kernerr.New(kernerr.InvalidArgument, "expand_region")
	}

	i := m.regionIndex(va)
	if i < 0 {
		return kernerr.New(kernerr.BadAddress, "expand_region")
	}

	grown := m.regions[i]
	grown.Length += delta

	// A grown region must not overlap whatever comes after it.
	if i+1 < len(m.regions) && grown.end() > m.regions[i+1].StartVA {
		return kernerr.New(kernerr.InvalidArgument, "expand_region")
	}

	m.regions[i] = grown
	return m.paint(Region{StartVA: grown.end() - delta, Length: delta, Kind: grown.Kind, DeviceRef: grown.DeviceRef})
}

// GetPageMut returns the live backing page for va, or nil if unmapped.
func (m *Manager) GetPageMut(va uint64) []byte {
	return m.table.PageBytes(va)
}

// BAddr returns the backing page table's root physical address.
func (m *Manager) BAddr() uint64 {
	return m.table.BAddr()
}
