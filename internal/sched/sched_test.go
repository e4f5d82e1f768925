package sched

import (
	"testing"

	"github.com/tinyrange/aarch64core/internal/mm/alloc"
	"github.com/tinyrange/aarch64core/internal/proc"
	"github.com/tinyrange/aarch64core/internal/smp"
	"github.com/tinyrange/aarch64core/internal/trap"
)

type fakeMask struct {
	value uint64
	saved []uint64
}

func (f *fakeMask) GetMasked(mask uint64) uint64 { return f.value & mask }
func (f *fakeMask) Set(value uint64) {
	f.saved = append(f.saved, value)
	f.value = value
}

type nopLog struct{}

func (nopLog) Writef(format string, args ...any) {}

func newProc(t *testing.T, id proc.Id) *proc.Process {
	t.Helper()
	phys := alloc.New(4 * 1024 * 1024)
	pages := alloc.New(4 * 1024 * 1024)
	p, err := proc.New(phys, pages, nopLog{})
	if err != nil {
		t.Fatalf("proc.New() error = %v", err)
	}
	p.Id = id
	return p
}

func TestSwitchRunsHighestPriorityReady(t *testing.T) {
	g := NewGroup(1, nil)
	c := g.Core(0)

	low := newProc(t, 1)
	low.Priority = 1
	high := newProc(t, 2)
	high.Priority = 5

	g.AddProcess(0, low)
	g.AddProcess(0, high)

	var frame trap.TrapFrame
	id := c.Switch(proc.StateReady(), &frame)

	if id != high.Id {
		t.Errorf("Switch() picked %d, want the higher-priority process %d", id, high.Id)
	}
}

func TestSwitchFallsBackToIdleWhenEmpty(t *testing.T) {
	idle := newProc(t, 99)
	g := NewGroup(1, []*proc.Process{idle})
	c := g.Core(0)

	var frame trap.TrapFrame
	id := c.Switch(proc.StateReady(), &frame)

	if id != idle.Id {
		t.Errorf("Switch() = %d, want idle task %d", id, idle.Id)
	}
}

func TestScheduleOutRequeuesCurrentAsReady(t *testing.T) {
	g := NewGroup(1, nil)
	c := g.Core(0)

	p := newProc(t, 1)
	g.AddProcess(0, p)

	var frame trap.TrapFrame
	c.Switch(proc.StateReady(), &frame) // p becomes current

	// Switching again with the running process's frame should requeue it
	// as Ready and pick it straight back up (only process available).
	id := c.Switch(proc.StateReady(), &frame)
	if id != p.Id {
		t.Errorf("Switch() = %d, want %d", id, p.Id)
	}
}

func TestWaitingProcessNotScheduledUntilPredicateTrue(t *testing.T) {
	g := NewGroup(1, nil)
	c := g.Core(0)

	ready := false
	waiter := newProc(t, 1)
	waiter.SetState(proc.StateWaiting(func(p *proc.Process) bool { return ready }))
	g.AddProcess(0, waiter)

	idle := newProc(t, 2)
	idle.Priority = -100
	c.idle = idle

	var frame trap.TrapFrame
	id := c.Switch(proc.StateReady(), &frame)
	if id != idle.Id {
		t.Fatalf("Switch() = %d, want idle task while waiter is not ready", id)
	}

	ready = true
	id = c.Switch(proc.StateReady(), &frame)
	if id != waiter.Id {
		t.Errorf("Switch() = %d, want waiter %d once its predicate is satisfied", id, waiter.Id)
	}
}

func TestWakeProcessSameCorePromotesFromWaiting(t *testing.T) {
	g := NewGroup(1, nil)
	c := g.Core(0)

	p := newProc(t, 1)
	p.SetState(proc.StateWaiting(func(*proc.Process) bool { return false }))
	g.AddProcess(0, p)

	var frame trap.TrapFrame
	c.Switch(proc.StateReady(), &frame) // drains mailbox, parks p on wait queue

	if c.WaitQueueLen() != 1 {
		t.Fatalf("WaitQueueLen() = %d, want 1", c.WaitQueueLen())
	}

	c.WakeProcess(proc.WakeRequest{Core: 0, Pid: p.Id})

	if c.WaitQueueLen() != 0 || c.RunQueueLen() != 1 {
		t.Errorf("WakeProcess did not move the process from wait to run queue")
	}
}

func TestWakeProcessCrossCoreForwardsToMailbox(t *testing.T) {
	g := NewGroup(2, nil)

	p := newProc(t, 1)
	p.SetState(proc.StateWaiting(func(*proc.Process) bool { return false }))
	g.AddProcess(1, p)

	var frame trap.TrapFrame
	g.Core(1).Switch(proc.StateReady(), &frame)

	g.Core(0).WakeProcess(proc.WakeRequest{Core: 1, Pid: p.Id})

	g.Core(1).Switch(proc.StateReady(), &frame) // drains the forwarded wake

	if g.Core(1).WaitQueueLen() != 0 {
		t.Error("cross-core wake did not reach the target core's mailbox")
	}
}

func TestBroadcastWakeAllReachesOtherCores(t *testing.T) {
	g := NewGroup(2, nil)

	woken := false
	p := newProc(t, 1)
	p.SetState(proc.StateWaiting(func(*proc.Process) bool { return woken }))
	g.AddProcess(1, p)

	var frame trap.TrapFrame
	g.Core(1).Switch(proc.StateReady(), &frame)
	if g.Core(1).WaitQueueLen() != 1 {
		t.Fatalf("expected p parked waiting before broadcast")
	}

	woken = true
	g.Core(0).BroadcastWakeAll()

	g.Core(1).Switch(proc.StateReady(), &frame) // drains WakeAll mail

	if g.Core(1).WaitQueueLen() != 0 {
		t.Error("BroadcastWakeAll did not sweep the other core's wait queue")
	}
}

func TestAffinityForwardsToMatchingCore(t *testing.T) {
	g := NewGroup(2, nil)

	p := newProc(t, 1)
	p.Affinity = 1 << 1 // core 1 only

	g.AddProcess(0, p)

	var frame trap.TrapFrame
	g.Core(0).Switch(proc.StateReady(), &frame)
	if g.Core(0).RunQueueLen() != 0 {
		t.Error("process with core-1 affinity should not be adopted by core 0")
	}

	id := g.Core(1).Switch(proc.StateReady(), &frame)
	if id != p.Id {
		t.Errorf("Switch() on core 1 = %d, want the affine process %d", id, p.Id)
	}
}

func TestSwitchWakeProcessAndBroadcastRunUnderInterruptMask(t *testing.T) {
	g := NewGroup(2, nil)
	c := g.Core(0)
	mask := &fakeMask{}
	c.SetInterruptMask(mask)

	p := newProc(t, 1)
	g.AddProcess(0, p)

	var frame trap.TrapFrame
	c.Switch(proc.StateReady(), &frame)
	c.WakeProcess(proc.WakeRequest{Core: 0, Pid: p.Id})
	c.BroadcastWakeAll()

	if len(mask.saved) != 6 {
		t.Fatalf("mask.saved = %v, want 6 writes (mask+restore for each of 3 calls)", mask.saved)
	}
	allMasked := uint64(smp.MaskDebug | smp.MaskSError | smp.MaskIRQ | smp.MaskFIQ)
	for i := 0; i < len(mask.saved); i += 2 {
		if mask.saved[i] != allMasked {
			t.Errorf("saved[%d] = %#x, want all interrupts masked", i, mask.saved[i])
		}
	}
	if mask.value != 0 {
		t.Errorf("final mask value = %#x, want the original (0) restored", mask.value)
	}
}

func TestKillMarksProcessDead(t *testing.T) {
	g := NewGroup(1, nil)
	c := g.Core(0)

	p := newProc(t, 1)
	g.AddProcess(0, p)

	var frame trap.TrapFrame
	c.Switch(proc.StateReady(), &frame)

	id := c.Kill(&frame)
	if id != p.Id {
		t.Errorf("Kill() = %d, want %d", id, p.Id)
	}
	if p.State().Kind != proc.Dead {
		t.Errorf("state = %v, want Dead", p.State().Kind)
	}
}
