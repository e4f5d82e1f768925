package addrspace

import (
	"testing"

	"github.com/tinyrange/aarch64core/internal/mm/alloc"
	"github.com/tinyrange/aarch64core/internal/mm/pagetable"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	a := alloc.New(1 << 22)
	return New(a, nil)
}

func TestAddRegionPaintsNormalPages(t *testing.T) {
	m := newManager(t)
	base := uint64(pagetable.UserImgBase)

	err := m.AddRegion(Region{StartVA: base, Length: 2 * pagetable.PageSize, Kind: Normal})
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	if !m.Table().IsMapped(base) || !m.Table().IsMapped(base+pagetable.PageSize) {
		t.Error("expected both pages of a Normal region to be painted eagerly")
	}
}

func TestAddRegionRejectsMisalignment(t *testing.T) {
	m := newManager(t)
	err := m.AddRegion(Region{StartVA: pagetable.UserImgBase + 1, Length: pagetable.PageSize, Kind: Normal})
	if err == nil {
		t.Fatal("expected InvalidArgument for a misaligned start_va")
	}
}

func TestAddRegionRejectsOverlap(t *testing.T) {
	m := newManager(t)
	base := uint64(pagetable.UserImgBase)

	if err := m.AddRegion(Region{StartVA: base, Length: 4 * pagetable.PageSize, Kind: Normal}); err != nil {
		t.Fatalf("first AddRegion: %v", err)
	}

	overlap := Region{StartVA: base + 2*pagetable.PageSize, Length: 2 * pagetable.PageSize, Kind: Normal}
	if err := m.AddRegion(overlap); err == nil {
		t.Fatal("expected InvalidArgument for an overlapping region")
	}
}

func TestAddRegionSortedNonOverlappingNeighbors(t *testing.T) {
	m := newManager(t)
	base := uint64(pagetable.UserImgBase)

	if err := m.AddRegion(Region{StartVA: base + 10*pagetable.PageSize, Length: pagetable.PageSize, Kind: Normal}); err != nil {
		t.Fatalf("AddRegion (later): %v", err)
	}
	if err := m.AddRegion(Region{StartVA: base, Length: pagetable.PageSize, Kind: Normal}); err != nil {
		t.Fatalf("AddRegion (earlier): %v", err)
	}

	if len(m.regions) != 2 || m.regions[0].StartVA != base {
		t.Fatalf("regions not kept sorted by start_va: %+v", m.regions)
	}
}

func TestExpandRegionGrowsAndPaints(t *testing.T) {
	m := newManager(t)
	base := uint64(pagetable.UserImgBase)

	if err := m.AddRegion(Region{StartVA: base, Length: pagetable.PageSize, Kind: Normal}); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	if err := m.ExpandRegion(base, pagetable.PageSize); err != nil {
		t.Fatalf("ExpandRegion: %v", err)
	}

	r, ok := m.GetRegion(base)
	if !ok || r.Length != 2*pagetable.PageSize {
		t.Fatalf("region should have grown to 2 pages, got %+v (ok=%v)", r, ok)
	}
	if !m.Table().IsMapped(base + pagetable.PageSize) {
		t.Error("expanded span should be painted")
	}
}

func TestExpandRegionRejectsOverlapWithNext(t *testing.T) {
	m := newManager(t)
	base := uint64(pagetable.UserImgBase)

	if err := m.AddRegion(Region{StartVA: base, Length: pagetable.PageSize, Kind: Normal}); err != nil {
		t.Fatalf("AddRegion first: %v", err)
	}
	if err := m.AddRegion(Region{StartVA: base + 2*pagetable.PageSize, Length: pagetable.PageSize, Kind: Normal}); err != nil {
		t.Fatalf("AddRegion second: %v", err)
	}

	if err := m.ExpandRegion(base, 2*pagetable.PageSize); err == nil {
		t.Fatal("expected growth that collides with the next region to fail")
	}
}

func TestExpandRegionUnknownAddressFails(t *testing.T) {
	m := newManager(t)
	if err := m.ExpandRegion(uint64(pagetable.UserImgBase), pagetable.PageSize); err == nil {
		t.Fatal("expected BadAddress for an address with no region")
	}
}

func TestEmulatedRegionNotEagerlyPainted(t *testing.T) {
	m := newManager(t)
	base := uint64(pagetable.UserImgBase)

	err := m.AddRegion(Region{StartVA: base, Length: pagetable.PageSize, Kind: Emulated, DeviceRef: "broadcom-timer"})
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if m.Table().IsMapped(base) {
		t.Error("an Emulated region should not be backed by an allocated page")
	}

	r, ok := m.GetRegion(base)
	if !ok || r.Kind != Emulated || r.DeviceRef != "broadcom-timer" {
		t.Fatalf("GetRegion returned unexpected region: %+v (ok=%v)", r, ok)
	}
}

func TestGetPageMutRoundTrip(t *testing.T) {
	m := newManager(t)
	base := uint64(pagetable.UserImgBase)

	if err := m.AddRegion(Region{StartVA: base, Length: pagetable.PageSize, Kind: Normal}); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	page := m.GetPageMut(base)
	if page == nil {
		t.Fatal("expected a backing page for a mapped Normal region")
	}
	page[0] = 0x42

	page2 := m.GetPageMut(base)
	if page2[0] != 0x42 {
		t.Error("second GetPageMut should alias the same physical page")
	}
}
