// Package trap implements the exception classification and dispatch logic
// that runs just after the low-level vector stubs save a TrapFrame: the
// source/kind decode, the IRQ-controller drain loop, and the routing of
// synchronous exceptions to the syscall, hypercall, breakpoint, and
// access-fault handlers. The vector stubs themselves (and the register
// save/restore they perform) are architecture assembly outside this
// package's scope; Dispatch is what the stub calls once the frame is on
// the stack.
package trap

import (
	"fmt"

	"github.com/tinyrange/aarch64core/internal/debug"
)

// Kind is the exception class a vector stub routes on.
type Kind int

const (
	Synchronous Kind = iota
	Irq
	Fiq
	SError
)

func (k Kind) String() string {
	switch k {
	case Synchronous:
		return "Synchronous"
	case Irq:
		return "Irq"
	case Fiq:
		return "Fiq"
	case SError:
		return "SError"
	default:
		return "Unknown"
	}
}

// Source names which of the four vector-table slots was taken.
type Source int

const (
	CurrentElSp0 Source = iota
	CurrentElSpx
	LowerAArch64
	LowerAArch32
)

// Info is the (source, kind) pair the vector stub passes to Dispatch.
type Info struct {
	Source Source
	Kind   Kind
}

// TrapFrame is the architecture register file captured on exception
// entry: general registers, the banked SP/ELR/SPSR, the fault syndrome and
// address registers, the stage-2 registers a hypervisor trap additionally
// carries, and the counter offset used to hide hypervisor dwell time from
// a guest.
type TrapFrame struct {
	Regs [31]uint64

	SP   uint64
	ELR  uint64
	SPSR uint64
	ESR  uint64
	FAR  uint64

	// TPIDR identifies the owning process; the scheduler matches on it.
	TPIDR uint64

	// TTBR0/TTBR1 are populated for a kernel-variant frame.
	TTBR0 uint64
	TTBR1 uint64

	// HPFAR, VTTBR, HCR, and CNTVOFF are populated for a hypervisor-variant
	// frame; they are zero and unused on the kernel path.
	HPFAR   uint64
	VTTBR   uint64
	HCR     uint64
	CNTVOFF uint64
}

// ESR exception-class values relevant to dispatch (ARM DDI 0487, D17.2.37).
const (
	ecSVC64        = 0x15
	ecHVC64        = 0x16
	ecBRK64        = 0x3C
	ecInstrAbortLo = 0x20
	ecInstrAbortSm = 0x21
	ecDataAbortLo  = 0x24
	ecDataAbortSm  = 0x25
)

// ExceptionClass extracts ESR_ELx.EC (bits 31:26).
func ExceptionClass(esr uint64) uint32 {
	return uint32(esr>>26) & 0x3F
}

// iss extracts ESR_ELx.ISS (bits 24:0).
func iss(esr uint64) uint32 {
	return uint32(esr) & 0x01FFFFFF
}

// SVCImmediate extracts the 16-bit SVC/HVC immediate operand from ISS[15:0],
// valid only when ExceptionClass(esr) is ecSVC64 or ecHVC64.
func SVCImmediate(esr uint64) uint16 {
	return uint16(iss(esr) & 0xFFFF)
}

// accessFlagFaultStatusCodes are the DFSC/IFSC values (ISS[5:0]) for an
// access-flag fault at translation levels 1-3; level 0 cannot occur in
// this two-tier table.
var accessFlagFaultStatusCodes = map[uint32]bool{
	0b001001: true,
	0b001010: true,
	0b001011: true,
}

// IsAccessFlagFault reports whether a data/instruction abort's fault
// status code is an access-flag fault, the trigger for this core's lazy
// stage-2 page-in path.
func IsAccessFlagFault(esr uint64) bool {
	return accessFlagFaultStatusCodes[iss(esr)&0x3F]
}

func isAbort(ec uint32) bool {
	switch ec {
	case ecInstrAbortLo, ecInstrAbortSm, ecDataAbortLo, ecDataAbortSm:
		return true
	default:
		return false
	}
}

// maxIRQDrainIterations bounds the IRQ-drain loop; a source still pending
// after this many iterations is logged rather than looped on forever.
const maxIRQDrainIterations = 50

// Handlers is the set of callbacks Dispatch routes to. A kernel-mode
// dispatcher supplies a Handlers with HandleHypercall nil (the kernel
// never takes HVC); a hypervisor-mode dispatcher supplies all of them.
type Handlers struct {
	HandleSyscall    func(imm uint16, tf *TrapFrame)
	HandleHypercall  func(imm uint16, tf *TrapFrame)
	EnterDebugShell  func(tf *TrapFrame)
	ResolveAccessFault func(tf *TrapFrame, faultAddr uint64) error
	KillCurrent      func(tf *TrapFrame)
	// RunIRQSource polls every IRQ source once, invoking any pending
	// handler, and reports whether anything was pending this pass.
	RunIRQSource func(tf *TrapFrame) bool
}

// Dispatcher tracks per-core IRQ recursion depth and routes each trap to
// the configured Handlers. The zero value is not usable; construct with
// New.
type Dispatcher struct {
	handlers Handlers
	tracer   debug.Tracer
	depth    []int
}

// New returns a Dispatcher for a board with the given core count.
func New(handlers Handlers, cores int) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		tracer:   debug.WithSource("trap.dispatch"),
		depth:    make([]int, cores),
	}
}

// Dispatch is the single entry point every vector stub calls. core is the
// physical core index; info/esr/tf describe the exception exactly as
// captured by the stub. isTimerIRQ tells Dispatch whether an Irq kind was
// raised by the generic timer, so a recursive timer tick can be serviced
// without re-entering full exception handling; it is not consulted for
// Fiq.
func (d *Dispatcher) Dispatch(core int, info Info, esr uint64, tf *TrapFrame, isTimerIRQ bool) {
	d.depth[core]++
	depth := d.depth[core]
	defer func() { d.depth[core]-- }()

	if depth > 2 {
		d.tracer.Writef("core %d: exception recursion depth %d, entering debug shell", core, depth)
		d.handlers.EnterDebugShell(tf)
		return
	}

	if depth == 2 {
		if info.Kind == Irq && isTimerIRQ {
			d.handlers.RunIRQSource(tf)
		} else {
			d.tracer.Writef("core %d: unexpected recursive %s, entering debug shell", core, info.Kind)
			d.handlers.EnterDebugShell(tf)
		}
		return
	}

	switch info.Kind {
	case Irq, Fiq:
		d.drainIRQs(core, tf)
	case Synchronous:
		d.dispatchSynchronous(info, esr, tf)
	default:
		d.tracer.Writef("core %d: unhandled exception kind %s", core, info.Kind)
		d.handlers.EnterDebugShell(tf)
	}
}

func (d *Dispatcher) drainIRQs(core int, tf *TrapFrame) {
	for i := 0; i < maxIRQDrainIterations; i++ {
		if !d.handlers.RunIRQSource(tf) {
			return
		}
	}
	d.tracer.Writef("core %d: irq stuck pending after %d iterations", core, maxIRQDrainIterations)
}

func (d *Dispatcher) dispatchSynchronous(info Info, esr uint64, tf *TrapFrame) {
	ec := ExceptionClass(esr)

	switch {
	case ec == ecSVC64:
		d.handlers.HandleSyscall(SVCImmediate(esr), tf)
	case ec == ecHVC64:
		if d.handlers.HandleHypercall == nil {
			d.handlers.KillCurrent(tf)
			return
		}
		d.handlers.HandleHypercall(SVCImmediate(esr), tf)
	case ec == ecBRK64:
		d.handlers.EnterDebugShell(tf)
		tf.ELR += 4
	case isAbort(ec) && IsAccessFlagFault(esr):
		if err := d.handlers.ResolveAccessFault(tf, tf.FAR); err != nil {
			d.tracer.Writef("access fault resolution failed at 0x%x: %v", tf.FAR, err)
			d.handlers.KillCurrent(tf)
		}
	default:
		d.handlers.KillCurrent(tf)
	}
}

// DebugString renders an Info for log lines, matching the codebase's
// "%v"-everywhere logging convention without requiring a Stringer.
func (i Info) DebugString() string {
	return fmt.Sprintf("{source=%d kind=%s}", i.Source, i.Kind)
}
