package vmm

import (
	"testing"

	"kernvm/kernel/mm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}
}

func TestProtectionEncoding(t *testing.T) {
	specs := []struct {
		input mm.Protection
		exp   mm.Protection
	}{
		{
			mm.ReadArea | mm.WriteArea | mm.KernelReadArea | mm.KernelWriteArea,
			mm.ReadArea | mm.WriteArea | mm.KernelReadArea | mm.KernelWriteArea,
		},
		{
			mm.KernelReadArea,
			mm.KernelReadArea,
		},
		{
			mm.ReadArea | mm.ExecuteArea,
			mm.ReadArea | mm.ExecuteArea | mm.KernelReadArea | mm.KernelExecuteArea,
		},
		{
			// user write implies kernel write
			mm.ReadArea | mm.WriteArea,
			mm.ReadArea | mm.WriteArea | mm.KernelReadArea | mm.KernelWriteArea,
		},
	}

	for specIndex, spec := range specs {
		var pte pageTableEntry
		pte.SetFlags(protectionFlags(spec.input))

		if got := pte.Protection(); got != spec.exp {
			t.Errorf("[spec %d] expected protection %s; got %s", specIndex, spec.exp, got)
		}
	}
}
