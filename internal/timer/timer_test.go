package timer

import "testing"

type fakeCounter struct {
	enabled  bool
	fired    bool
	compare  uint64
	freq     uint64
	now      uint64
	setCalls int
	cmpCalls int
}

func (f *fakeCounter) SetInterruptEnabled(enabled bool) { f.enabled = enabled }
func (f *fakeCounter) Interrupted() bool                { return f.fired }
func (f *fakeCounter) SetTimer(value uint64)             { f.setCalls++; f.now = value }
func (f *fakeCounter) SetCompare(value uint64)           { f.cmpCalls++; f.compare = value }
func (f *fakeCounter) GetFrequency() uint64              { return f.freq }
func (f *fakeCounter) GetCounter() uint64                { return f.now }

type procData struct {
	ticks int
}

func TestAddProgramsCompareAndEnablesInterrupt(t *testing.T) {
	c := &fakeCounter{now: 100}
	ctl := NewController[procData](c)

	ctl.Add(50, func(ctx *Ctx[procData]) { ctx.Data.ticks++ })

	if !c.enabled {
		t.Error("expected interrupt to be enabled after adding the first timer")
	}
	if c.compare != 150 {
		t.Errorf("compare = %d, want 150", c.compare)
	}
}

func TestAddProgramsSoonestCompareAcrossMultipleTimers(t *testing.T) {
	c := &fakeCounter{now: 0}
	ctl := NewController[procData](c)

	ctl.Add(100, func(ctx *Ctx[procData]) {})
	ctl.Add(10, func(ctx *Ctx[procData]) {})

	if c.compare != 10 {
		t.Errorf("compare = %d, want soonest value 10", c.compare)
	}
}

func TestProcessTimersNoopWhenNotInterrupted(t *testing.T) {
	c := &fakeCounter{now: 0, fired: false}
	ctl := NewController[procData](c)
	ctl.Add(10, func(ctx *Ctx[procData]) { ctx.Data.ticks++ })

	data := &procData{}
	disable := ctl.ProcessTimers(data)

	if !disable {
		t.Error("ProcessTimers should report true (leave interrupts disabled) when the counter hasn't fired")
	}
	if data.ticks != 0 {
		t.Error("timer func should not run when the counter hasn't fired")
	}
}

func TestProcessTimersRunsDueTimerAndReschedules(t *testing.T) {
	c := &fakeCounter{now: 0, fired: true}
	ctl := NewController[procData](c)
	ctl.Add(10, func(ctx *Ctx[procData]) { ctx.Data.ticks++ })
	c.now = 10 // the timer added at 0 with period 10 is now due

	data := &procData{}
	disable := ctl.ProcessTimers(data)

	if disable {
		t.Error("ProcessTimers should report false (re-enable interrupts) once a compare value was updated")
	}
	if data.ticks != 1 {
		t.Errorf("ticks = %d, want 1", data.ticks)
	}
	if ctl.timers[0].nextCompare != 20 {
		t.Errorf("nextCompare = %d, want 20 (now + period)", ctl.timers[0].nextCompare)
	}
}

func TestProcessTimersRemovesRequestedTimer(t *testing.T) {
	c := &fakeCounter{now: 0, fired: true}
	ctl := NewController[procData](c)
	ctl.Add(10, func(ctx *Ctx[procData]) { ctx.RemoveTimer() })
	c.now = 10

	ctl.ProcessTimers(&procData{})

	if ctl.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after removal", ctl.Len())
	}
	if c.enabled {
		t.Error("expected interrupt disabled once no timers remain")
	}
}

func TestProcessTimersHonorsNoReschedule(t *testing.T) {
	c := &fakeCounter{now: 0, fired: true}
	ctl := NewController[procData](c)
	ctl.Add(10, func(ctx *Ctx[procData]) { ctx.NoReschedule() })
	c.now = 10

	disable := ctl.ProcessTimers(&procData{})

	if !disable {
		t.Error("ProcessTimers should report true when no timer's compare was updated")
	}
	if ctl.timers[0].nextCompare != 10 {
		t.Errorf("nextCompare = %d, want unchanged 10", ctl.timers[0].nextCompare)
	}
}

func TestProcessTimersSkipsNotYetDueTimers(t *testing.T) {
	c := &fakeCounter{now: 5, fired: true}
	ctl := NewController[procData](c)
	ctl.Add(100, func(ctx *Ctx[procData]) { ctx.Data.ticks++ })
	ctl.timers[0].nextCompare = 50

	data := &procData{}
	ctl.ProcessTimers(data)

	if data.ticks != 0 {
		t.Error("timer not yet due should not run")
	}
}

func TestProcessTimersRemovesByIndexWithMultipleTimers(t *testing.T) {
	c := &fakeCounter{now: 0, fired: true}
	ctl := NewController[procData](c)
	ctl.Add(10, func(ctx *Ctx[procData]) { ctx.Data.ticks += 1 })
	ctl.Add(10, func(ctx *Ctx[procData]) { ctx.RemoveTimer(); ctx.Data.ticks += 10 })
	ctl.Add(10, func(ctx *Ctx[procData]) { ctx.Data.ticks += 100 })
	c.now = 10

	data := &procData{}
	ctl.ProcessTimers(data)

	if data.ticks != 111 {
		t.Errorf("ticks = %d, want 111", data.ticks)
	}
	if ctl.Len() != 2 {
		t.Errorf("Len() = %d, want 2 after removing the middle timer", ctl.Len())
	}
}
