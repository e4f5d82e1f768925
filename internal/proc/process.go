// Package proc implements the per-process object this core schedules:
// its captured register state, kernel stack, address space, mailbox, file
// descriptors, and the scheduling state machine the scheduler drives it
// through.
package proc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/aarch64core/internal/kernerr"
	"github.com/tinyrange/aarch64core/internal/mm/addrspace"
	"github.com/tinyrange/aarch64core/internal/mm/alloc"
	"github.com/tinyrange/aarch64core/internal/trap"
)

// Id is a process identifier. Zero is never issued; the scheduler reserves
// it to mean "no process".
type Id uint64

// StackSize is the size in bytes of a process's kernel stack allocation.
const StackSize = 16 * 1024

// StackAlign is the alignment required of a stack allocation.
const StackAlign = 16

// Kind distinguishes the scheduling states a Process can be in. Waiting
// and WaitingOn carry payload (a predicate closure, or a waited-on
// process id respectively) alongside the kind.
type Kind int

const (
	Ready Kind = iota
	Running
	Waiting
	WaitingOn
	Suspended
	Dead
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Waiting:
		return "Waiting"
	case WaitingOn:
		return "WaitingOn"
	case Suspended:
		return "Suspended"
	case Dead:
		return "Dead"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Predicate is polled by the scheduler on every wait-queue sweep; once it
// returns true the owning process is promoted to Ready.
type Predicate func(p *Process) bool

// State is the tagged scheduling state carried by a Process.
type State struct {
	Kind     Kind
	Pred     Predicate
	Waitable Id
}

func StateReady() State     { return State{Kind: Ready} }
func StateRunning() State   { return State{Kind: Running} }
func StateSuspended() State { return State{Kind: Suspended} }
func StateDead() State      { return State{Kind: Dead} }

func StateWaiting(pred Predicate) State {
	return State{Kind: Waiting, Pred: pred}
}

func StateWaitingOn(id Id) State {
	return State{Kind: WaitingOn, Waitable: id}
}

// Mail is the tagged union sent between per-core scheduler mailboxes.
type Mail struct {
	AddProcess  *Process
	WakeRequest *WakeRequest
	WakeAll     bool
}

// WakeRequest targets a specific process on a specific core, optionally
// gated by a predicate evaluated under that core's wait-queue lock.
type WakeRequest struct {
	Core      int
	Pid       Id
	Predicate Predicate
}

// FileDescriptor is a single entry in a process's open-file table. The
// concrete read/write ends are supplied by whatever I/O subsystem backs
// them; this package only tracks the slot.
type FileDescriptor struct {
	Valid bool
	Read  any
	Write any
}

// stack is the raw allocation backing a process's kernel stack.
type stack struct {
	base uintptr
	size uintptr
}

// top returns the highest address of the stack, 16-byte aligned, matching
// AArch64's SP alignment requirement.
func (s stack) top() uint64 {
	return (uint64(s.base) + uint64(s.size)) &^ 0xF
}

// Process is the complete state of one schedulable unit: captured
// register file, kernel stack, address space, scheduling state, identity,
// and the bookkeeping the scheduler and syscalls mutate on every tick.
type Process struct {
	mu sync.Mutex

	Context *trap.TrapFrame
	stack   stack

	AddrSpace *addrspace.Manager

	state State

	Id       Id
	Priority int
	Affinity uint64 // bitmask of cores this process may run on; 0 means any

	SuspendRequested bool

	Files []FileDescriptor

	deadListeners []func(Id)
}

type debugLogger interface {
	Writef(format string, args ...any)
}

// New allocates a fresh kernel stack and user address space and returns a
// Process in state Ready with a zeroed trap frame.
func New(phys, pageAlloc *alloc.Wilderness, log debugLogger) (*Process, error) {
	stackMem := phys.Alloc(alloc.Layout{Size: StackSize, Align: StackAlign})
	if stackMem == nil {
		return nil, kernerr.New(kernerr.NoMemory, "proc.new")
	}

	return &Process{
		Context:   &trap.TrapFrame{},
		stack:     stack{base: uintptr(stackMem), size: StackSize},
		AddrSpace: addrspace.New(pageAlloc, log),
		state:     StateReady(),
	}, nil
}

// KernelProcess builds a process whose entry point runs in kernel mode:
// the trap frame's SP points at the fresh stack top and ELR at entry,
// TTBR0 at the kernel page table (kernBase) and TTBR1 at the process's
// own address space (a kernel thread still gets a user vmap because it
// costs nothing extra to carry one).
func KernelProcess(phys, pageAlloc *alloc.Wilderness, log debugLogger, kernBase uint64, entry uintptr) (*Process, error) {
	p, err := New(phys, pageAlloc, log)
	if err != nil {
		return nil, fmt.Errorf("proc: kernel_process: %w", err)
	}

	p.Context.SP = p.stack.top()
	p.Context.ELR = uint64(entry)
	p.Context.TTBR0 = kernBase
	p.Context.TTBR1 = p.AddrSpace.BAddr()

	return p, nil
}

// State returns the process's current scheduling state under lock.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState replaces the process's scheduling state under lock.
func (p *Process) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// IsReady reports whether this process should be considered by the
// scheduler's run-queue scan: true if already Ready, or if a Waiting
// predicate has just become satisfied (in which case the state flips to
// Ready as a side effect, matching the original's is_ready() semantics).
func (p *Process) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Kind == Waiting && p.state.Pred != nil {
		if p.state.Pred(p) {
			p.state = StateReady()
		}
	}

	return p.state.Kind == Ready
}

// AddDeadListener registers a callback invoked once when this process
// transitions to Dead and all prior listeners have been notified.
func (p *Process) AddDeadListener(f func(Id)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadListeners = append(p.deadListeners, f)
}

// MarkDead flips the process to Dead and notifies every registered
// listener, in registration order.
func (p *Process) MarkDead() {
	p.mu.Lock()
	p.state = StateDead()
	listeners := p.deadListeners
	p.deadListeners = nil
	id := p.Id
	p.mu.Unlock()

	for _, l := range listeners {
		l(id)
	}
}

// SortByPriority stable-sorts processes so that the scheduler's run-queue
// scan visits the highest-priority candidates first.
func SortByPriority(procs []*Process) {
	sort.SliceStable(procs, func(i, j int) bool {
		return procs[i].Priority > procs[j].Priority
	})
}
