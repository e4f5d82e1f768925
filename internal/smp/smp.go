// Package smp implements the secondary-core bootstrap and the
// run-on-every-core primitives built on top of it: a fixed four-entry
// parking-spot table, release of cores 1..N, and RunOnAllCores/
// RunOnSecondaryCores/RunNoReturn dispatch. The real board releases a
// core by writing its bootstrap address at a well-known physical
// location and waking it with `sev`; this package models that release
// and wakeup with goroutines and channels so the dispatch logic is
// exercised by ordinary host tests, with golang.org/x/sync/errgroup
// joining the fan-out the same way a simulated multi-core fleet would.
package smp

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MaxCores is the number of fixed parking spots the architecture's
// well-known release addresses provide for.
const MaxCores = 4

// ParkingSpot is one core's release slot: a pending function (nil when
// idle) and whether the core has confirmed it is up and parked.
type ParkingSpot struct {
	fn      func()
	enabled bool
	wake    chan func()
	done    chan struct{}
}

// Group owns the fixed parking-spot table and the goroutines standing
// in for secondary cores. The zero value is not usable; construct with
// NewGroup.
type Group struct {
	spots [MaxCores]*ParkingSpot
}

// NewGroup starts cores-1 goroutines, one per secondary core, parked and
// waiting for work, mirroring core_bootstrap's loop on wfe. The primary
// core gets no goroutine: it runs on the caller.
func NewGroup(cores int) (*Group, error) {
	if cores < 1 || cores > MaxCores {
		return nil, fmt.Errorf("smp: cores %d out of range [1,%d]", cores, MaxCores)
	}

	g := &Group{}
	for i := 0; i < MaxCores; i++ {
		g.spots[i] = &ParkingSpot{wake: make(chan func()), done: make(chan struct{})}
	}

	for i := 1; i < cores; i++ {
		spot := g.spots[i]
		spot.enabled = true
		go spot.park()
	}

	return g, nil
}

// park is a secondary core's bootstrap loop: wait for a dispatched
// function, run it, signal completion, repeat. It never returns, the
// same as core_bootstrap_stack's `loop { ... wfe }`.
func (s *ParkingSpot) park() {
	for fn := range s.wake {
		fn()
		s.done <- struct{}{}
	}
}

// CoresEnabled reports how many secondary cores are parked and ready,
// the simulation analogue of count_cores.
func (g *Group) CoresEnabled() int {
	n := 0
	for _, s := range g.spots {
		if s.enabled {
			n++
		}
	}
	return n
}

// RunOnSecondaryCores dispatches fn to every enabled secondary core and
// waits for all of them to finish, mirroring run_on_secondary_cores'
// store-then-spin-until-cleared sequence but joined with an errgroup
// instead of a polling sleep loop.
func (g *Group) RunOnSecondaryCores(fn func()) error {
	var eg errgroup.Group
	for _, s := range g.spots[1:] {
		if !s.enabled {
			continue
		}
		s := s
		eg.Go(func() error {
			s.wake <- fn
			<-s.done
			return nil
		})
	}
	return eg.Wait()
}

// RunOnAllCores runs fn on the calling (primary) core first, then on
// every secondary core, matching run_on_all_cores' func()-then-fan-out
// order.
func (g *Group) RunOnAllCores(fn func()) error {
	fn()
	return g.RunOnSecondaryCores(fn)
}

// RunNoReturn dispatches fn to every enabled secondary core without
// waiting for completion, for handoff functions that are expected to
// never return (e.g. parking a core into a guest's run loop).
func (g *Group) RunNoReturn(fn func()) {
	for _, s := range g.spots[1:] {
		if s.enabled {
			go func(s *ParkingSpot) { s.wake <- fn }(s)
		}
	}
}

// InterruptMask abstracts the DAIF save/mask/restore sequence
// NoInterrupt wraps every allocator and scheduler entry point in.
type InterruptMask interface {
	// GetMasked returns the current DAIF bits covered by mask.
	GetMasked(mask uint64) uint64
	// Set writes DAIF outright.
	Set(value uint64)
}

// DAIF bit positions, matching the architectural DAIF register layout.
const (
	MaskDebug        = 1 << 3
	MaskSError       = 1 << 2
	MaskIRQ          = 1 << 1
	MaskFIQ          = 1 << 0
	maskAllInterrupt = MaskDebug | MaskSError | MaskIRQ | MaskFIQ
)

// Noop is an InterruptMask that never actually masks anything: the
// default wired into every allocator/scheduler entry point until boot
// bring-up installs the real DAIF-backed implementation, so NoInterrupt
// is always the outermost wrapper even before a core has one register
// file to mask.
type Noop struct{}

func (Noop) GetMasked(mask uint64) uint64 { return 0 }
func (Noop) Set(value uint64)             {}

// NoInterrupt masks D/A/I/F, runs fn, and restores the prior mask,
// exactly mirroring no_interrupt's save/set/run/restore sequence. Every
// allocator and scheduler public entry point uses this as its outermost
// wrapper so IRQ handlers never observe a half-mutated structure.
func NoInterrupt[R any](regs InterruptMask, fn func() R) R {
	orig := regs.GetMasked(maskAllInterrupt)
	regs.Set(maskAllInterrupt)
	r := fn()
	regs.Set(orig)
	return r
}
