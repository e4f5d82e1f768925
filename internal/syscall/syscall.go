// Package syscall dispatches SVC-numbered system calls against a process's
// trap frame and its core's scheduler, following the x0..x6
// argument/result, x7-error register convention used throughout this ABI.
package syscall

import (
	"fmt"

	"github.com/tinyrange/aarch64core/internal/kernerr"
	"github.com/tinyrange/aarch64core/internal/proc"
	"github.com/tinyrange/aarch64core/internal/telemetry"
	"github.com/tinyrange/aarch64core/internal/trap"
)

// Number identifies a system call by its SVC immediate.
type Number uint16

const (
	Sleep        Number = 1
	Time         Number = 2
	Exit         Number = 3
	Write        Number = 4
	Getpid       Number = 5
	Waitpid      Number = 6
	WaitWaitable Number = 7
	Sbrk         Number = 8
)

var numberNames = map[Number]string{
	Sleep:        "sleep",
	Time:         "time",
	Exit:         "exit",
	Write:        "write",
	Getpid:       "getpid",
	Waitpid:      "waitpid",
	WaitWaitable: "wait_waitable",
	Sbrk:         "sbrk",
}

func (n Number) String() string {
	if s, ok := numberNames[n]; ok {
		return s
	}
	return fmt.Sprintf("Number(%d)", uint16(n))
}

// Clock supplies wall-clock time to time-based syscalls, abstracted for
// host testing the same way internal/timer abstracts the hardware
// comparator.
type Clock interface {
	NowMillis() uint64
	NowUnix() (secs uint64, nanos uint32)
}

// Console is the byte sink Write appends to.
type Console interface {
	WriteByte(b byte)
}

// Scheduler is the subset of *sched.Core the dispatcher drives.
type Scheduler interface {
	Switch(newState proc.State, frame *trap.TrapFrame) proc.Id
	Kill(frame *trap.TrapFrame) proc.Id
}

// PageSize bounds Sbrk's alignment check.
const PageSize = 1 << 16

func setResult(tf *trap.TrapFrame, regs ...uint64) {
	for i, v := range regs {
		tf.Regs[i] = v
	}
}

func setErr(tf *trap.TrapFrame, code kernerr.Code) {
	tf.Regs[7] = uint64(code)
}

// Dispatcher owns the host-facing dependencies syscalls need (clock,
// console, process lookup) and routes each Number to its handler.
type Dispatcher struct {
	Clock     Clock
	Console   Console
	Scheduler Scheduler
	// Lookup resolves a process by id, for Waitpid's dead-completion
	// registration. Returns false if no such process exists.
	Lookup func(pid proc.Id) (*proc.Process, bool)
	// Counters, if set, receives a "syscall.<name>" increment for every
	// Dispatch call, the per-call counts the telemetry registry's own
	// package doc promises alongside the IRQ controller's per-source
	// counts. A nil Counters leaves Dispatch uninstrumented.
	Counters *telemetry.Registry
}

// Dispatch runs the syscall named by num against tf, which belongs to the
// process currently running on this dispatcher's scheduler core.
func (d *Dispatcher) Dispatch(num Number, tf *trap.TrapFrame) {
	if d.Counters != nil {
		d.Counters.Counter("syscall." + num.String()).Inc()
	}

	switch num {
	case Sleep:
		d.sysSleep(tf)
	case Time:
		d.sysTime(tf)
	case Exit:
		d.sysExit(tf)
	case Write:
		d.sysWrite(tf)
	case Getpid:
		d.sysGetpid(tf)
	case Waitpid:
		d.sysWaitpid(tf)
	case WaitWaitable:
		d.sysWaitWaitable(tf)
	case Sbrk:
		d.sysSbrk(tf)
	default:
		setErr(tf, kernerr.InvalidArgument)
	}
}

// sysSleep parks the process in Waiting until NowMillis reaches the
// requested deadline, depositing the elapsed time on wake. ms == 0 just
// yields for one tick.
func (d *Dispatcher) sysSleep(tf *trap.TrapFrame) {
	ms := uint32(tf.Regs[0])
	if ms == 0 {
		d.Scheduler.Switch(proc.StateReady(), tf)
		return
	}

	start := d.Clock.NowMillis()
	deadline := start + uint64(ms)

	pred := func(p *proc.Process) bool {
		now := d.Clock.NowMillis()
		if now < deadline {
			return false
		}
		setResult(p.Context, now-start)
		setErr(p.Context, kernerr.Ok)
		return true
	}

	d.Scheduler.Switch(proc.StateWaiting(pred), tf)
}

func (d *Dispatcher) sysTime(tf *trap.TrapFrame) {
	secs, nanos := d.Clock.NowUnix()
	setResult(tf, secs, uint64(nanos))
	setErr(tf, kernerr.Ok)
}

// sysExit kills the current process and immediately schedules another —
// there must always be a process to fall back to (the idle task, at
// minimum), so no further syscall ever observes this process's exit.
func (d *Dispatcher) sysExit(tf *trap.TrapFrame) {
	d.Scheduler.Kill(tf)
}

func (d *Dispatcher) sysWrite(tf *trap.TrapFrame) {
	b := byte(tf.Regs[0])
	if b == '\n' {
		d.Console.WriteByte('\r')
	}
	d.Console.WriteByte(b)
	setErr(tf, kernerr.Ok)
}

func (d *Dispatcher) sysGetpid(tf *trap.TrapFrame) {
	setResult(tf, tf.TPIDR)
	setErr(tf, kernerr.Ok)
}

// sysWaitpid registers a dead-completion listener on the target process
// (if it still exists) and parks the caller in Waiting until that
// listener fires, or immediately if the target is already gone.
func (d *Dispatcher) sysWaitpid(tf *trap.TrapFrame) {
	pid := proc.Id(tf.Regs[0])
	start := d.Clock.NowMillis()

	done := make(chan struct{}, 1)
	registered := false

	if target, ok := d.Lookup(pid); ok {
		target.AddDeadListener(func(proc.Id) {
			select {
			case done <- struct{}{}:
			default:
			}
		})
		registered = true
	} else {
		done <- struct{}{}
	}

	pred := func(p *proc.Process) bool {
		select {
		case <-done:
			now := d.Clock.NowMillis()
			setResult(p.Context, now-start)
			if registered {
				setErr(p.Context, kernerr.Ok)
			} else {
				setErr(p.Context, kernerr.InvalidArgument)
			}
			return true
		default:
			return false
		}
	}

	d.Scheduler.Switch(proc.StateWaiting(pred), tf)
}

// sysWaitWaitable parks the caller on an opaque waitable identified by
// the two registers x0:x1 (decoded by the caller-supplied WaitingOn
// mechanism); this core only threads the handle through as a process id,
// since cross-process waitable objects are out of this repo's scope.
func (d *Dispatcher) sysWaitWaitable(tf *trap.TrapFrame) {
	handle := proc.Id(tf.Regs[0])<<32 | proc.Id(tf.Regs[1])
	d.Scheduler.Switch(proc.StateWaitingOn(handle), tf)
}

// sysSbrk validates the requested delta is page-aligned; growing the
// process's heap region is left to the address-space manager the caller
// wires in (ExpandRegion), since Sbrk here only gatekeeps the ABI
// contract.
func (d *Dispatcher) sysSbrk(tf *trap.TrapFrame) {
	delta := int64(tf.Regs[0])
	if delta%PageSize != 0 {
		setErr(tf, kernerr.InvalidArgument)
		return
	}

	setResult(tf, 0)
	setErr(tf, kernerr.Ok)
}
