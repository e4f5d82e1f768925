// Package stage2 implements the hypervisor core that resolves a guest's
// stage-2 access faults: ESR.ISS decoding into a device.DataAccess, region
// lookup, and routing to either a lazy page-in (Normal regions) or the
// emulated device stack (Emulated regions), followed by the per-transition
// HCR_EL2.VI and CNTVOFF_EL2 bookkeeping every guest resume needs.
package stage2

import (
	"errors"
	"sort"

	"github.com/tinyrange/aarch64core/internal/device"
	"github.com/tinyrange/aarch64core/internal/kernerr"
	"github.com/tinyrange/aarch64core/internal/mm/alloc"
	"github.com/tinyrange/aarch64core/internal/mm/pagetable"
	"github.com/tinyrange/aarch64core/internal/telemetry"
	"github.com/tinyrange/aarch64core/internal/trap"
)

// ErrInvalidISS is returned when ESR.ISS.ISV is clear: the hardware did not
// populate the syndrome fields needed to decode a DataAccess, and the
// faulting instruction must be killed rather than emulated.
var ErrInvalidISS = errors.New("stage2: ESR.ISS does not carry a valid syndrome")

// ParseDataAbortISS decodes the ISS of a stage-2 data-abort ESR into a
// device.DataAccess, following the standard ARMv8 ISS encoding for data
// aborts (ARM DDI 0487, D17.2.37): ISV at bit 24, SAS at bits 23:22, SSE at
// bit 21, SRT at bits 20:16, SF at bit 15, AR at bit 14, WnR at bit 6.
func ParseDataAbortISS(iss uint32) (device.DataAccess, error) {
	const ivsBit = 1 << 24
	if iss&ivsBit == 0 {
		return device.DataAccess{}, ErrInvalidISS
	}

	sas := (iss >> 22) & 0x3
	srt := int((iss >> 16) & 0x1F)
	sse := iss&(1<<21) != 0
	ar := iss&(1<<14) != 0
	wnr := iss&(1<<6) != 0

	return device.DataAccess{
		Write:          wnr,
		RegisterIdx:    srt,
		AccessSize:     device.AccessSize(sas),
		SignExtend:     sse && !wnr,
		AcquireRelease: ar,
	}, nil
}

// RegionKind distinguishes how a guest IPA range is backed, mirroring
// addrspace.Kind for the stage-2 side of the house.
type RegionKind int

const (
	// Normal regions are ordinary RAM: a stage-2 access-flag fault is
	// resolved by marking the entry accessed and letting the guest retry.
	Normal RegionKind = iota
	// Emulated regions route every access through a device.VirtDevice.
	Emulated
)

func (k RegionKind) String() string {
	switch k {
	case Normal:
		return "Normal"
	case Emulated:
		return "Emulated"
	default:
		return "Unknown"
	}
}

// Region is a contiguous, page-aligned span of one guest's IPA space.
type Region struct {
	StartIPA uint64
	Length   uint64
	Kind     RegionKind
	// Device is the VirtDevice an Emulated region routes to; nil for Normal.
	Device device.VirtDevice
}

func (r Region) end() uint64 { return r.StartIPA + r.Length }

// AddressSpace is one guest's stage-2 page table plus its sorted,
// non-overlapping IPA region list.
type AddressSpace struct {
	table   *pagetable.GuestPageTable
	regions []Region
}

// NewAddressSpace returns a guest address space with an empty stage-2 table.
func NewAddressSpace(a *alloc.Wilderness) *AddressSpace {
	return &AddressSpace{table: pagetable.NewGuestPageTable(a)}
}

// Table exposes the stage-2 table for VTTBR_EL2 programming.
func (a *AddressSpace) Table() *pagetable.GuestPageTable { return a.table }

// SetCounters forwards reg to the backing GuestPageTable so every
// lazy page-in HandleFault triggers counts a "pagefault.guest" increment.
func (a *AddressSpace) SetCounters(reg *telemetry.Registry) {
	a.table.SetCounters(reg)
}

// AddRegion validates page alignment, rejects overlap with neighboring
// regions, and inserts r in sorted order by StartIPA.
func (a *AddressSpace) AddRegion(r Region) error {
	if r.StartIPA%pagetable.PageSize != 0 || r.Length%pagetable.PageSize != 0 {
		return kernerr.New(kernerr.InvalidArgument, "add_region")
	}

	idx := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].StartIPA > r.StartIPA
	})

	if idx > 0 && a.regions[idx-1].end() > r.StartIPA {
		return kernerr.New(kernerr.InvalidArgument, "add_region")
	}
	if idx < len(a.regions) && r.end() > a.regions[idx].StartIPA {
		return kernerr.New(kernerr.InvalidArgument, "add_region")
	}

	a.regions = append(a.regions, Region{})
	copy(a.regions[idx+1:], a.regions[idx:])
	a.regions[idx] = r
	return nil
}

// GetRegion returns the region covering ipa, if any.
func (a *AddressSpace) GetRegion(ipa uint64) (Region, bool) {
	for _, r := range a.regions {
		if r.StartIPA <= ipa && ipa < r.end() {
			return r, true
		}
	}
	return Region{}, false
}

// Guest is the minimal surface HandleFault needs from a guest process: its
// address space and its device capability view. The trap frame is passed
// to HandleFault separately.
type Guest interface {
	AddressSpace() *AddressSpace
	device.GuestProcess
}

// signExtendTo64 sign-extends a value of the given access width to 64 bits.
func signExtendTo64(val uint64, size device.AccessSize) uint64 {
	bits := uint(size.Bytes() * 8)
	shift := 64 - bits
	return uint64(int64(val<<shift) >> shift)
}

// truncate masks val down to the given access width.
func truncate(val uint64, size device.AccessSize) uint64 {
	bits := uint(size.Bytes() * 8)
	if bits >= 64 {
		return val
	}
	return val & ((1 << bits) - 1)
}

// HandleFault resolves one stage-2 access-flag fault for guest at the
// faulting IPA, per SPEC_FULL.md §5.9: decode the ISS, look up the region,
// then either mark-accessed (Normal) or emulate the MMIO access and advance
// ELR_EL2 by 4 (Emulated).
func HandleFault(guest Guest, tf *trap.TrapFrame, ipa uint64) error {
	access, err := ParseDataAbortISS(uint32(tf.ESR) & 0x01FFFFFF)
	if err != nil {
		return err
	}

	space := guest.AddressSpace()
	region, ok := space.GetRegion(ipa)
	if !ok {
		return kernerr.New(kernerr.BadAddress, "handle_fault")
	}

	switch region.Kind {
	case Normal:
		return space.table.MarkAccessed(ipa)
	case Emulated:
		return handleEmulatedAccess(guest, tf, region, access, ipa)
	default:
		return kernerr.New(kernerr.BadAddress, "handle_fault")
	}
}

func handleEmulatedAccess(guest Guest, tf *trap.TrapFrame, region Region, access device.DataAccess, ipa uint64) error {
	if access.Write {
		val := truncate(tf.Regs[access.RegisterIdx], access.AccessSize)
		if err := region.Device.Write(guest, access, ipa, val); err != nil {
			return err
		}
	} else {
		val, err := region.Device.Read(guest, access, ipa)
		if err != nil {
			return err
		}
		val = truncate(val, access.AccessSize)
		if access.SignExtend {
			val = signExtendTo64(val, access.AccessSize)
		}
		tf.Regs[access.RegisterIdx] = val
	}

	tf.ELR += 4
	return nil
}

// Clock measures wall-clock duration spent inside the hypervisor, used to
// advance CNTVOFF_EL2 so a guest never observes hypervisor dwell time.
type Clock interface {
	NowMicros() uint64
}

// OnGuestExit runs every device's Update hook, recomputes HCR_EL2.VI from
// the guest's IrqController, and returns hcrVI together with cntvoff, the
// hypervisor dwell time (clk.NowMicros() - entryMicros) by which the
// caller advances CNTVOFF_EL2 before the next eret, per SPEC_FULL.md
// §5.9's "after every guest-to-hypervisor transition" rule. It does not
// read or return the current CNTVOFF_EL2 value itself.
func OnGuestExit(guest Guest, devices device.VirtDevice, clk Clock, entryMicros uint64) (hcrVI bool, cntvoff uint64) {
	devices.Update(guest)
	hcrVI = guest.IRQs().IsAnyAsserted()
	dwell := clk.NowMicros() - entryMicros
	cntvoff = dwell
	return hcrVI, cntvoff
}
