// Package diag renders the two fatal-internal diagnostic surfaces named
// in SPEC_FULL.md §6/§8: a stack-trace-shaped dump when a global mutex
// (console/network/filesystem) is held past its 30-second timeout, and
// the register dump a core prints before handing off to the debug
// shell on a recursive IRQ or an unresolved fault. Both are rendered as
// ANSI-formatted text through github.com/charmbracelet/x/ansi, the same
// escape-sequence layer used for the rest of the terminal output.
package diag

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// styled wraps s in the given SGR parameters and a trailing reset,
// matching the bold-red-banner-then-plain-body texture a fatal dump
// needs to stand out on a serial console.
func styled(s string, sgr ...int) string {
	return ansi.SGR(sgr...) + s + ansi.SGR(0)
}

// Frame is one entry of a rendered call stack: a symbol name and the
// return address that produced it. Real symbolication is an external
// collaborator's job; this package only formats what it is given.
type Frame struct {
	Symbol  string
	Address uint64
}

// LockTimeout renders the diagnostic banner for a global mutex held
// past its 30-second acquisition timeout (SPEC_FULL.md §6's "lock
// acquisition failure after 30s panics with a stack-trace dump").
func LockTimeout(lockName string, heldBy string, frames []Frame) string {
	var b strings.Builder
	fmt.Fprintln(&b, styled(fmt.Sprintf("FATAL: lock %q held >30s by %s", lockName, heldBy), 1, 31))
	writeFrames(&b, frames)
	return b.String()
}

// RecursiveFault renders the debug-shell handoff banner for a core that
// took a second, unexpected exception while already one exception deep
// (SPEC_FULL.md §5.4 step 1/§8's fatal-internal "recursive IRQ" case).
func RecursiveFault(core int, kind string, esr uint64, elr uint64, frames []Frame) string {
	var b strings.Builder
	fmt.Fprintln(&b, styled(fmt.Sprintf("FATAL: core %d recursive exception (%s)", core, kind), 1, 31))
	fmt.Fprintln(&b, styled(fmt.Sprintf("  ESR=0x%016x ELR=0x%016x", esr, elr), 2))
	writeFrames(&b, frames)
	return b.String()
}

func writeFrames(b *strings.Builder, frames []Frame) {
	for i, f := range frames {
		fmt.Fprintln(b, styled(fmt.Sprintf("  #%-2d 0x%016x %s", i, f.Address, f.Symbol), 2))
	}
}

// Strip removes every ANSI escape sequence from s, used by tests and by
// any collaborator logging the dump to a destination that does not
// understand escape codes (e.g. a plain log file).
func Strip(s string) string {
	return ansi.Strip(s)
}
