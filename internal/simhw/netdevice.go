//go:build linux

package simhw

import (
	"fmt"
	"sync"

	"golang.org/x/net/bpf"
)

// CompileEtherTypeFilter assembles the classic-BPF program a host-side
// TAP bridge attaches to a raw AF_PACKET socket (via SO_ATTACH_FILTER)
// so only frames of the given EtherType ever reach the emulated device
// stack: load the 2-byte EtherType at offset 12, accept (0xffff) on
// match, reject (0) otherwise.
func CompileEtherTypeFilter(etherType uint16) ([]bpf.RawInstruction, error) {
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(etherType), SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0xffff},
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("simhw: assemble ethertype filter: %w", err)
	}
	return raw, nil
}

// FrameBridge is the Go-side mirror of CompileEtherTypeFilter's gating
// logic: it accepts raw Ethernet frames whose EtherType matches and
// queues copies of them for Pop, without requiring the real filter to be
// attached to a live socket. It does not read from a TAP device or pass
// frames to any device itself.
type FrameBridge struct {
	etherType uint16

	mu     sync.Mutex
	frames [][]byte
}

// NewFrameBridge returns a bridge that only accepts frames of etherType.
func NewFrameBridge(etherType uint16) *FrameBridge {
	return &FrameBridge{etherType: etherType}
}

// Deliver offers a raw frame to the bridge. It reports whether the frame
// passed the EtherType gate and was queued.
func (b *FrameBridge) Deliver(frame []byte) bool {
	if len(frame) < 14 {
		return false
	}
	got := uint16(frame[12])<<8 | uint16(frame[13])
	if got != b.etherType {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	b.frames = append(b.frames, cp)
	return true
}

// Pop removes and returns the oldest queued frame.
func (b *FrameBridge) Pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil, false
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	return f, true
}

// Len reports how many frames are queued.
func (b *FrameBridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
