// Command kernelmon is the host-side console bridge for a running
// simulation: it puts the controlling terminal into raw mode and relays
// bytes between stdin/stdout and the emulated UART stream exposed by a
// simulation harness over a TCP connection, the same raw-mode-then-relay
// shape used by other guest console bridges. Alongside the raw relay it
// feeds a vt.SafeEmulator with the same bytes so SIGUSR1 can dump a
// plain-text snapshot of the guest's current screen for postmortem
// debugging of a hung console, the same CellAt-driven rendering other
// guest console bridges use to paint their view.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/x/vt"
	"golang.org/x/term"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "address of the simulation's emulated UART endpoint")
	cols := flag.Int("cols", 80, "column count of the tracked console snapshot")
	rows := flag.Int("rows", 24, "row count of the tracked console snapshot")
	flag.Parse()

	if err := run(*addr, *cols, *rows); err != nil {
		slog.Error("kernelmon: exiting", "error", err)
		os.Exit(1)
	}
}

func run(addr string, cols, rows int) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("kernelmon: dial %s: %w", addr, err)
	}
	defer conn.Close()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("kernelmon: enable raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	emu := vt.NewSafeEmulator(cols, rows)
	defer emu.Close()

	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGUSR1)
	go func() {
		for range dump {
			snapshot := renderScreen(emu)
			slog.Info("kernelmon: guest screen snapshot", "screen", snapshot)
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, os.Stdin)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(io.MultiWriter(os.Stdout, emu), conn)
		errCh <- err
	}()

	return <-errCh
}

// renderScreen walks the emulator's cell grid into a plain-text dump,
// trailing blank cells on each row trimmed, the way a guest console
// snapshot is rendered for a debug shell with no graphics of its own.
func renderScreen(emu *vt.SafeEmulator) string {
	var lines []string
	for y := 0; y < emu.Height(); y++ {
		var row strings.Builder
		for x := 0; x < emu.Width(); x++ {
			content := " "
			if cell := emu.CellAt(x, y); cell != nil && cell.Content != "" {
				content = cell.Content
			}
			row.WriteString(content)
		}
		lines = append(lines, strings.TrimRight(row.String(), " "))
	}
	return strings.Join(lines, "\n")
}
