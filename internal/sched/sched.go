// Package sched implements one scheduler instance per core. Each core owns
// a run queue, a wait set, and an incoming mailbox; cores communicate only
// through these mailboxes, so the hot scheduling path (Switch) never takes
// a cross-core lock.
package sched

import (
	"sync"

	"github.com/tinyrange/aarch64core/internal/proc"
	"github.com/tinyrange/aarch64core/internal/smp"
	"github.com/tinyrange/aarch64core/internal/trap"
)

// Core is one per-core scheduler. It owns a run queue (FIFO among
// equal-priority processes), a wait set of processes parked on a
// predicate, and a mailbox drained on every Switch.
type Core struct {
	id    int
	group *Group
	mask  smp.InterruptMask

	mu      sync.Mutex
	run     []*proc.Process
	waiting []*proc.Process
	current *proc.Process

	mailbox chan proc.Mail

	idle *proc.Process
}

// Group owns every per-core Scheduler and routes mailboxes between them.
type Group struct {
	cores []*Core
}

// NewGroup returns a Group of n per-core schedulers, each with its own
// idle task.
func NewGroup(n int, idleTasks []*proc.Process) *Group {
	g := &Group{cores: make([]*Core, n)}
	for i := 0; i < n; i++ {
		c := &Core{
			id:      i,
			group:   g,
			mask:    smp.Noop{},
			mailbox: make(chan proc.Mail, 64),
		}
		if i < len(idleTasks) {
			c.idle = idleTasks[i]
		}
		g.cores[i] = c
	}
	return g
}

// Core returns the per-core scheduler for core id.
func (g *Group) Core(id int) *Core { return g.cores[id] }

// SetInterruptMask installs the DAIF-backed InterruptMask Switch,
// WakeProcess, and BroadcastWakeAll wrap themselves in via NoInterrupt.
// Boot bring-up calls this once per core after its register file is
// available; until then those entry points run under the no-op mask
// installed by NewGroup.
func (c *Core) SetInterruptMask(mask smp.InterruptMask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mask = mask
}

// Send posts m into core's mailbox, or drops it if the
// mailbox is full (mirroring the bounded-channel backpressure used
// elsewhere in this codebase rather than blocking a cross-core send).
func (g *Group) Send(core int, m proc.Mail) {
	if core < 0 || core >= len(g.cores) {
		return
	}
	select {
	case g.cores[core].mailbox <- m:
	default:
	}
}

// AddProcess posts p into core's mailbox for adoption on its next Switch.
func (g *Group) AddProcess(core int, p *proc.Process) {
	g.Send(core, proc.Mail{AddProcess: p})
}

// BroadcastWakeAll polls this core's own wait queue immediately and asks
// every other core to do the same on its next Switch.
func (c *Core) BroadcastWakeAll() {
	smp.NoInterrupt(c.mask, func() struct{} {
		c.sweepWaiting()
		for _, other := range c.group.cores {
			if other.id == c.id {
				continue
			}
			c.group.Send(other.id, proc.Mail{WakeAll: true})
		}
		return struct{}{}
	})
}

// WakeProcess implements the targeted wake: if the request names this
// core, the predicate (if any) is evaluated in place under the wait-queue
// lock; otherwise it is forwarded to the target core's mailbox.
func (c *Core) WakeProcess(req proc.WakeRequest) {
	smp.NoInterrupt(c.mask, func() struct{} {
		if req.Core != c.id {
			c.group.Send(req.Core, proc.Mail{WakeRequest: &req})
			return struct{}{}
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.wakeLocked(req)
		return struct{}{}
	})
}

// wakeLocked must be called with c.mu held.
func (c *Core) wakeLocked(req proc.WakeRequest) {
	for i, p := range c.waiting {
		if p.Id != req.Pid {
			continue
		}
		if req.Predicate == nil || req.Predicate(p) {
			p.SetState(proc.StateReady())
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			c.run = append(c.run, p)
		}
		return
	}
}

// drainMailbox must be called with c.mu held; it applies every pending
// Mail addressed to this core.
func (c *Core) drainMailbox() {
	for {
		select {
		case m := <-c.mailbox:
			switch {
			case m.AddProcess != nil:
				c.adoptLocked(m.AddProcess)
			case m.WakeRequest != nil:
				c.wakeLocked(*m.WakeRequest)
			case m.WakeAll:
				c.sweepWaitingLocked()
			}
		default:
			return
		}
	}
}

// adoptLocked must be called with c.mu held. If p carries a core
// affinity that excludes this core, it is forwarded instead of adopted.
func (c *Core) adoptLocked(p *proc.Process) {
	if p.Affinity != 0 && p.Affinity&(1<<uint(c.id)) == 0 {
		target := c.firstAffineCore(p.Affinity)
		if target != c.id {
			c.group.Send(target, proc.Mail{AddProcess: p})
			return
		}
	}

	if p.IsReady() {
		c.run = append(c.run, p)
	} else {
		c.waiting = append(c.waiting, p)
	}
}

func (c *Core) firstAffineCore(affinity uint64) int {
	for i := range c.group.cores {
		if affinity&(1<<uint(i)) != 0 {
			return i
		}
	}
	return c.id
}

// sweepWaiting polls every waiting process's predicate and promotes any
// that are now ready, taking the lock itself.
func (c *Core) sweepWaiting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepWaitingLocked()
}

func (c *Core) sweepWaitingLocked() {
	var stillWaiting []*proc.Process
	for _, p := range c.waiting {
		if p.IsReady() {
			c.run = append(c.run, p)
		} else {
			stillWaiting = append(stillWaiting, p)
		}
	}
	c.waiting = stillWaiting
}

// Switch performs a context switch: the currently running process
// (identified by frame.TPIDR) is scheduled out into newState, and the
// next ready process (by priority, then FIFO order) is scheduled in,
// copying its trap frame over frame. It returns the id of the process now
// running, or 0 if only the idle task is available and idle has no
// identity of its own.
func (c *Core) Switch(newState proc.State, frame *trap.TrapFrame) proc.Id {
	return smp.NoInterrupt(c.mask, func() proc.Id {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.drainMailbox()
		c.scheduleOutLocked(newState, frame)
		return c.scheduleInLocked(frame)
	})
}

func (c *Core) scheduleOutLocked(newState proc.State, frame *trap.TrapFrame) {
	cur := c.current
	if cur == nil {
		return
	}
	*cur.Context = *frame
	cur.SetState(newState)
	c.current = nil

	// popReadyLocked left cur at the front of the run queue; take it off
	// before requeueing it below so it is not queued twice.
	for i, p := range c.run {
		if p == cur {
			c.run = append(c.run[:i], c.run[i+1:]...)
			break
		}
	}

	// The idle task never sits in the run or wait queue: it is the
	// fallback scheduleInLocked reaches for when both are empty, not a
	// schedulable candidate in its own right.
	if cur == c.idle {
		return
	}

	switch newState.Kind {
	case proc.Dead:
		cur.MarkDead()
	case proc.Ready, proc.Running:
		c.run = append(c.run, cur)
	default:
		c.waiting = append(c.waiting, cur)
	}
}

// scheduleInLocked picks the next process to run and copies its trap
// frame into frame. If the run queue yields nothing, it sweeps the wait
// queue once (a poll) and retries; if still nothing, the per-core idle
// task runs instead.
func (c *Core) scheduleInLocked(frame *trap.TrapFrame) proc.Id {
	if id, ok := c.popReadyLocked(frame); ok {
		return id
	}

	c.sweepWaitingLocked()
	if id, ok := c.popReadyLocked(frame); ok {
		return id
	}

	if c.idle != nil {
		c.idle.SetState(proc.StateRunning())
		*frame = *c.idle.Context
		c.current = c.idle
		return c.idle.Id
	}

	return 0
}

// popReadyLocked scans the run queue in priority order for the first
// ready process, rotates it to the front of the queue, promotes it to
// Running, and copies its trap frame into frame.
func (c *Core) popReadyLocked(frame *trap.TrapFrame) (proc.Id, bool) {
	proc.SortByPriority(c.run)

	for i, p := range c.run {
		if !p.IsReady() {
			continue
		}
		c.run = append(c.run[:i], c.run[i+1:]...)
		c.run = append([]*proc.Process{p}, c.run...)
		p.SetState(proc.StateRunning())
		*frame = *p.Context
		c.current = p
		return p.Id, true
	}
	return 0, false
}

// Kill schedules out the current process as Dead and returns its id.
func (c *Core) Kill(frame *trap.TrapFrame) proc.Id {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return 0
	}

	id := cur.Id
	c.Switch(proc.StateDead(), frame)
	return id
}

// RunQueueLen and WaitQueueLen expose queue depth for diagnostics/tests.
func (c *Core) RunQueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.run)
}

func (c *Core) WaitQueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}
