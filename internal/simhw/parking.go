//go:build linux

// Package simhw is the host-side multi-core simulation harness: it backs
// the architectural four-entry parking-spot table (internal/smp) with
// real shared memory via an anonymous mmap, substitutes the sev/wfe
// wakeup pair with a Linux eventfd, and bridges raw Ethernet frames into
// the emulated device stack for integration-testing the MMIO path
// without real hardware.
package simhw

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// parkingSpotStride is the byte layout of one simulated ParkingSpot: an
// 8-byte pending-function address followed by an 8-byte enabled flag,
// matching the AtomicU64 pair the original source's ParkingSpot struct
// stores ahead of its stack array.
const parkingSpotStride = 16

// ParkingMemory backs smp.MaxCores parking spots with a single anonymous
// mmap region, using the unix.Mmap/unix.Madvise/unix.Munmap pattern a
// KVM host uses for guest physical memory, so the simulated
// core-release protocol runs over real shared memory rather than a Go
// slice two goroutines merely happen to share.
type ParkingMemory struct {
	mem []byte
}

// NewParkingMemory allocates backing memory for the given core count.
func NewParkingMemory(cores int) (*ParkingMemory, error) {
	if cores < 1 {
		return nil, fmt.Errorf("simhw: cores must be positive, got %d", cores)
	}

	mem, err := unix.Mmap(-1, 0, cores*parkingSpotStride,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("simhw: mmap parking memory: %w", err)
	}
	if err := unix.Madvise(mem, unix.MADV_DONTFORK); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("simhw: madvise parking memory: %w", err)
	}

	return &ParkingMemory{mem: mem}, nil
}

// Close unmaps the backing memory.
func (p *ParkingMemory) Close() error {
	return unix.Munmap(p.mem)
}

func (p *ParkingMemory) slot(core int) []byte {
	return p.mem[core*parkingSpotStride : (core+1)*parkingSpotStride]
}

// SetAddr stores the pending dispatch function's address for core,
// the volatile write the real bring-up does with write_volatile.
func (p *ParkingMemory) SetAddr(core int, addr uint64) {
	binary.LittleEndian.PutUint64(p.slot(core)[0:8], addr)
}

// Addr loads the pending dispatch address for core (zero when idle).
func (p *ParkingMemory) Addr(core int) uint64 {
	return binary.LittleEndian.Uint64(p.slot(core)[0:8])
}

// SetEnabled marks core as parked and ready to receive dispatches.
func (p *ParkingMemory) SetEnabled(core int, enabled bool) {
	var v uint64
	if enabled {
		v = 1
	}
	binary.LittleEndian.PutUint64(p.slot(core)[8:16], v)
}

// Enabled reports whether core has confirmed it is parked.
func (p *ParkingMemory) Enabled(core int) bool {
	return binary.LittleEndian.Uint64(p.slot(core)[8:16]) != 0
}

// Waker substitutes the architectural sev/wfe instruction pair with a
// Linux eventfd: Wake increments the counter (sev), Wait blocks until the
// counter is non-zero and drains it (wfe). Because the first Wait to read
// drains the counter, one Wake releases one Wait; other Waits keep
// blocking.
type Waker struct {
	fd int
}

// NewWaker opens a fresh eventfd in its default (non-semaphore) mode, so
// a single Wait drains the whole counter to zero however many Wake calls
// preceded it. Unlike sev, a Wake is not broadcast to every blocked Wait.
func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("simhw: eventfd: %w", err)
	}
	return &Waker{fd: fd}, nil
}

// Wake adds one to the eventfd counter, releasing one blocked Wait.
func (w *Waker) Wake() error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, err := unix.Write(w.fd, buf)
	if err != nil {
		return fmt.Errorf("simhw: eventfd write: %w", err)
	}
	return nil
}

// Wait blocks until the next Wake.
func (w *Waker) Wait() error {
	buf := make([]byte, 8)
	if _, err := unix.Read(w.fd, buf); err != nil {
		return fmt.Errorf("simhw: eventfd read: %w", err)
	}
	return nil
}

// Close releases the eventfd.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
