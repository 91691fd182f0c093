//go:build linux && arm64

package kvm

import "testing"

func TestMakeSPI(t *testing.T) {
	line := MakeSPI(42)
	if irqType := (line >> armIRQTypeShift) & 0xff; irqType != armIRQTypeSPI {
		t.Fatalf("irqType=%d, want %d", irqType, armIRQTypeSPI)
	}
	if intid := line & 0xffff; intid != 42 {
		t.Fatalf("intid=%d, want 42", intid)
	}
}

func TestGuestRAMReadWriteAt(t *testing.T) {
	g := &guestRAM{base: 0x40000000, mem: make([]byte, 16)}

	if n, err := g.WriteAt([]byte{1, 2, 3, 4}, 4); err != nil || n != 4 {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}
	got := make([]byte, 4)
	if n, err := g.ReadAt(got, 4); err != nil || n != 4 {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if got[0] != 1 || got[3] != 4 {
		t.Fatalf("ReadAt returned %v, want [1 2 3 4]", got)
	}
	if g.Size() != 16 {
		t.Fatalf("Size=%d, want 16", g.Size())
	}

	if _, err := g.WriteAt([]byte{0}, 16); err == nil {
		t.Fatalf("expected out-of-bounds WriteAt to fail")
	}
	if _, err := g.ReadAt(got, -1); err == nil {
		t.Fatalf("expected negative-offset ReadAt to fail")
	}
}

func TestEnableArmVcpuFeatureIgnoresOutOfRangeWord(t *testing.T) {
	var init kvmVcpuInit
	enableArmVcpuFeature(&init, 32*kvmArmVcpuInitFeatureWords) // word == len(Features), must no-op
	for _, w := range init.Features {
		if w != 0 {
			t.Fatalf("expected no feature bits set, got %+v", init.Features)
		}
	}

	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)
	if init.Features[0]&(1<<kvmArmVcpuFeaturePsci02) == 0 {
		t.Fatalf("expected PSCI 0.2 feature bit set")
	}
}
