package device

import "sync"

// BroadcomInterrupts emulates the Broadcom interrupt-controller's IRQ
// pending and enable registers at IPA 0x3F00B000..0x3F00C000: reads of
// 0x204/0x208 return the low/high 32 bits of the guest's asserted IRQ
// bitmap, and writes to 0x210/0x214 OR bits into the guest's IRQ mask
// (there is no disable path, mirroring the real hardware's enable-only
// registers).
type BroadcomInterrupts struct{}

const broadcomInterruptsBase = 0x3F00B000
const broadcomInterruptsSize = 0x1000

func NewBroadcomInterrupts() *BroadcomInterrupts { return &BroadcomInterrupts{} }

func (d *BroadcomInterrupts) IsMapped(addr uint64) bool {
	return addr >= broadcomInterruptsBase && addr-broadcomInterruptsBase < broadcomInterruptsSize
}

func (d *BroadcomInterrupts) Read(proc GuestProcess, access DataAccess, addr uint64) (uint64, error) {
	off := addr - broadcomInterruptsBase
	bitmap := proc.IRQs().Bitmap()

	switch off {
	case 0x204:
		return bitmap & 0xFFFFFFFF, nil
	case 0x208:
		return (bitmap >> 32) & 0xFFFFFFFF, nil
	default:
		return 0, ErrNotImplemented
	}
}

func (d *BroadcomInterrupts) Write(proc GuestProcess, access DataAccess, addr uint64, val uint64) error {
	off := addr - broadcomInterruptsBase
	const lowMask = 0xFFFFFFFF

	switch off {
	case 0x210:
		proc.IRQs().OrMask(val & lowMask)
		return nil
	case 0x214:
		proc.IRQs().OrMask((val & lowMask) << 32)
		return nil
	default:
		return ErrNotImplemented
	}
}

func (d *BroadcomInterrupts) Update(proc GuestProcess) {}

// systemTimerIrqLine is the IrqController bit BroadcomSystemTimer asserts
// when its comparator 1 matches, mirroring the original's
// IrqSource::PeripheralTimer1 index.
const systemTimerIrqLine = 1

// BroadcomSystemTimer emulates the Broadcom system timer at IPA
// 0x3F003000..0x3F003100: a free-running micros counter readable at
// 0x04/0x08, four comparator registers at 0x0C/0x10/0x14/0x18 whose match
// sets the corresponding bit read at 0x00 and clearable by writing that
// bit back, and a match on comparator 1 that asserts the guest's
// peripheral-timer-1 virtual IRQ line.
type BroadcomSystemTimer struct {
	mu           sync.Mutex
	matched      [4]bool
	compare      [4]uint32
	lastCompared [4]uint64
}

const broadcomSystemTimerBase = 0x3F003000
const broadcomSystemTimerSize = 0x100

func NewBroadcomSystemTimer() *BroadcomSystemTimer { return &BroadcomSystemTimer{} }

func (d *BroadcomSystemTimer) IsMapped(addr uint64) bool {
	return addr >= broadcomSystemTimerBase && addr-broadcomSystemTimerBase < broadcomSystemTimerSize
}

// checkMatches must be called with d.mu held. It advances each
// comparator's match flag based on wraparound-safe 32-bit subtraction
// against the running micros counter, mirroring the original's
// wrapping_sub comparison (so a comparator set slightly in the past
// still matches promptly rather than waiting a full 2^32 microseconds).
func (d *BroadcomSystemTimer) checkMatches(now uint64) {
	for i := 0; i < 4; i++ {
		if !d.matched[i] {
			timerDiff := now - d.lastCompared[i]
			compareDiff := uint64(uint32(d.compare[i] - uint32(d.lastCompared[i])))
			if timerDiff >= compareDiff {
				d.matched[i] = true
			}
		}
		d.lastCompared[i] = now
	}
}

func (d *BroadcomSystemTimer) Read(proc GuestProcess, access DataAccess, addr uint64) (uint64, error) {
	off := addr - broadcomSystemTimerBase
	now := proc.CPUTimeMicros()

	switch off {
	case 0x0:
		d.mu.Lock()
		d.checkMatches(now)
		var ret uint64
		for i := 0; i < 4; i++ {
			if d.matched[i] {
				ret |= 1 << uint(i)
			}
		}
		d.mu.Unlock()
		return ret, nil
	case 0x4:
		return now & 0xFFFFFFFF, nil
	case 0x8:
		return now >> 32, nil
	default:
		return 0, ErrNotImplemented
	}
}

func (d *BroadcomSystemTimer) Write(proc GuestProcess, access DataAccess, addr uint64, val uint64) error {
	off := addr - broadcomSystemTimerBase
	now := proc.CPUTimeMicros()

	switch off {
	case 0x0:
		d.mu.Lock()
		for i := 0; i < 4; i++ {
			if val&(1<<uint(i)) != 0 {
				d.matched[i] = false
			}
		}
		d.checkMatches(now)
		matched1 := d.matched[1]
		d.mu.Unlock()
		proc.IRQs().SetAsserted(systemTimerIrqLine, matched1)
		return nil
	case 0xC, 0x10, 0x14, 0x18:
		idx := int((off - 0xC) / 4)
		d.mu.Lock()
		d.compare[idx] = uint32(val)
		const lowMask = 0xFFFFFFFF
		lc := (now &^ lowMask) | (val & lowMask)
		if lc < now {
			lc += 0x100000000
		}
		d.lastCompared[idx] = lc
		d.mu.Unlock()
		return nil
	default:
		return ErrNotImplemented
	}
}

func (d *BroadcomSystemTimer) Update(proc GuestProcess) {
	now := proc.CPUTimeMicros()
	d.mu.Lock()
	d.checkMatches(now)
	matched1 := d.matched[1]
	d.mu.Unlock()
	proc.IRQs().SetAsserted(systemTimerIrqLine, matched1)
}
