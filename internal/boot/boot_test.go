package boot

import "testing"

type fakeRegs struct {
	el        int
	vbar      map[Level]uint64
	maskedAll bool
	calls     []string
}

func newFakeRegs(startEL int) *fakeRegs {
	return &fakeRegs{el: startEL, vbar: map[Level]uint64{}}
}

func (r *fakeRegs) CurrentEL() int { return r.el }

func (r *fakeRegs) DropToEL2() {
	r.calls = append(r.calls, "DropToEL2")
	r.el = 2
}

func (r *fakeRegs) DropToEL1() {
	r.calls = append(r.calls, "DropToEL1")
	r.el = 1
}

func (r *fakeRegs) SetVBAR(level Level, addr uint64) { r.vbar[level] = addr }
func (r *fakeRegs) MaskAllInterrupts()               { r.maskedAll = true }
func (r *fakeRegs) DSB()                             { r.calls = append(r.calls, "DSB") }
func (r *fakeRegs) DMB()                             { r.calls = append(r.calls, "DMB") }

func TestBootstrapKernelVariantFromEL3DropsToEL1(t *testing.T) {
	regs := newFakeRegs(3)
	addrs := Addresses{KernelVectors: 0x1000, HyperVectors: 0x2000}

	level, err := Bootstrap(regs, VariantKernel, addrs)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if level != EL1 {
		t.Errorf("level = %d, want EL1", level)
	}
	if regs.vbar[EL1] != 0x1000 {
		t.Errorf("VBAR_EL1 = %#x, want 0x1000", regs.vbar[EL1])
	}
	if !regs.maskedAll {
		t.Error("MaskAllInterrupts was not called for a kernel-variant boot")
	}
}

func TestBootstrapHypervisorVariantStaysAtEL2(t *testing.T) {
	regs := newFakeRegs(2)
	addrs := Addresses{KernelVectors: 0x1000, HyperVectors: 0x2000}

	level, err := Bootstrap(regs, VariantHypervisor, addrs)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if level != EL2 {
		t.Errorf("level = %d, want EL2", level)
	}
	if regs.vbar[EL2] != 0x2000 {
		t.Errorf("VBAR_EL2 = %#x, want 0x2000", regs.vbar[EL2])
	}
	if regs.maskedAll {
		t.Error("MaskAllInterrupts should not run on the hypervisor-variant path")
	}
}

func TestBootstrapFromEL2SkipsEL3Drop(t *testing.T) {
	regs := newFakeRegs(2)
	if _, err := Bootstrap(regs, VariantHypervisor, Addresses{}); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	for _, c := range regs.calls {
		if c == "DropToEL2" {
			t.Error("DropToEL2 was called despite already being at EL2")
		}
	}
}
