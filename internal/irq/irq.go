// Package irq is the kernel-side façade over peripheral and per-core
// interrupt sources: two parallel handler tables, additive registration,
// and per-source telemetry counters. It does not itself read or mask any
// hardware register — internal/device's Broadcom interrupt controller
// emulation and the real hardware driver both sit behind Invoke.
package irq

import (
	"fmt"

	"github.com/tinyrange/aarch64core/internal/telemetry"
	"github.com/tinyrange/aarch64core/internal/trap"
)

// Peripheral enumerates the GPU-side interrupt lines this board's
// Broadcom interrupt controller can assert, mirroring the subset the
// original driver names.
type Peripheral int

const (
	PeripheralTimer1 Peripheral = iota
	PeripheralTimer3
	PeripheralUSB
	PeripheralGPIO0
	PeripheralGPIO1
	PeripheralGPIO2
	PeripheralGPIO3
	PeripheralUART
	PeripheralAux
	numPeripherals
)

func (p Peripheral) String() string {
	names := [...]string{"Timer1", "Timer3", "USB", "GPIO0", "GPIO1", "GPIO2", "GPIO3", "UART", "Aux"}
	if int(p) < len(names) {
		return names[p]
	}
	return fmt.Sprintf("Peripheral(%d)", int(p))
}

// CoreLine enumerates the per-core local interrupt sources (generic
// timer comparators, mailboxes, the GPU line routed to this core, etc).
type CoreLine int

const (
	CoreLineCNTPSIRQ CoreLine = iota
	CoreLineCNTPNSIRQ
	CoreLineCNTHPIRQ
	CoreLineCNTVIRQ
	CoreLineMailbox0
	CoreLineMailbox1
	CoreLineMailbox2
	CoreLineMailbox3
	CoreLineGPU
	CoreLinePMU
	CoreLineAXIOutstanding
	CoreLineLocalTimer
	numCoreLines
)

func (c CoreLine) String() string {
	names := [...]string{
		"CNTPSIRQ", "CNTPNSIRQ", "CNTHPIRQ", "CNTVIRQ",
		"Mailbox0", "Mailbox1", "Mailbox2", "Mailbox3",
		"GPU", "PMU", "AXIOutstanding", "LocalTimer",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("CoreLine(%d)", int(c))
}

// Handler is invoked with the trap frame active when the source fired.
type Handler func(tf *trap.TrapFrame)

// Controller holds the two parallel handler tables (peripheral and
// per-core) plus a telemetry registry for per-source counts. Registration
// is additive: registering the same source twice keeps only the most
// recent handler, matching a plain table-of-closures with no
// deregistration API.
type Controller struct {
	peripheral [numPeripherals]Handler
	core       [numCoreLines]Handler

	counters *telemetry.Registry
}

// New returns an empty Controller backed by reg for per-source counters.
func New(reg *telemetry.Registry) *Controller {
	return &Controller{counters: reg}
}

// Register installs (or replaces) the handler for a peripheral source.
func (c *Controller) Register(p Peripheral, h Handler) {
	c.peripheral[p] = h
}

// RegisterCore installs (or replaces) the handler for a per-core source.
func (c *Controller) RegisterCore(l CoreLine, h Handler) {
	c.core[l] = h
}

// Invoke runs the registered handler for a peripheral source, if any, and
// counts the invocation regardless. It reports whether a handler ran.
func (c *Controller) Invoke(p Peripheral, tf *trap.TrapFrame) bool {
	c.counters.Counter("irq.peripheral." + p.String()).Inc()
	if h := c.peripheral[p]; h != nil {
		h(tf)
		return true
	}
	return false
}

// InvokeCore runs the registered handler for a per-core source, if any,
// and counts the invocation regardless.
func (c *Controller) InvokeCore(l CoreLine, tf *trap.TrapFrame) bool {
	c.counters.Counter("irq.core." + l.String()).Inc()
	if h := c.core[l]; h != nil {
		h(tf)
		return true
	}
	return false
}
