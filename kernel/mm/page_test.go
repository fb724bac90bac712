package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}

		if got := spec.expPage.Address(); got != RoundDown(spec.input) {
			t.Errorf("[spec %d] expected page address %x; got %x", specIndex, RoundDown(spec.input), got)
		}
	}
}

func TestRounding(t *testing.T) {
	if got, ok := RoundUp(1); !ok || got != PageSize {
		t.Errorf("expected RoundUp(1) to return (%x, true); got (%x, %t)", PageSize, got, ok)
	}

	if _, ok := RoundUp(^uintptr(0)); ok {
		t.Error("expected RoundUp to report overflow")
	}

	if !IsAligned(3*PageSize) || IsAligned(PageSize+1) {
		t.Error("IsAligned returned an unexpected result")
	}

	if _, ok := Range(^uintptr(0)-PageSize+1, 2*PageSize); ok {
		t.Error("expected wrapping range to be rejected")
	}

	r, ok := Range(0x1000, 0x2000)
	if !ok || uintptr(r.Start) != 0x1000 || uintptr(r.End) != 0x3000 {
		t.Errorf("unexpected range %v", r)
	}
}

func TestProtection(t *testing.T) {
	specs := []struct {
		prot          Protection
		userWrite     bool
		kernelWrite   bool
		userRead      bool
		userAccessible bool
		str           string
	}{
		{ReadArea | WriteArea | KernelReadArea | KernelWriteArea, true, true, true, true, "rw--RW--"},
		{KernelReadArea | KernelWriteArea, false, true, false, false, "----RW--"},
		{ReadArea | KernelReadArea, false, false, true, true, "r---R---"},
	}

	for specIndex, spec := range specs {
		if got := spec.prot.CanWrite(true); got != spec.userWrite {
			t.Errorf("[spec %d] expected CanWrite(user) = %t", specIndex, spec.userWrite)
		}
		if got := spec.prot.CanWrite(false); got != spec.kernelWrite {
			t.Errorf("[spec %d] expected CanWrite(kernel) = %t", specIndex, spec.kernelWrite)
		}
		if got := spec.prot.CanRead(true); got != spec.userRead {
			t.Errorf("[spec %d] expected CanRead(user) = %t", specIndex, spec.userRead)
		}
		if got := spec.prot.UserAccessible(); got != spec.userAccessible {
			t.Errorf("[spec %d] expected UserAccessible = %t", specIndex, spec.userAccessible)
		}
		if got := spec.prot.String(); got != spec.str {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.str, got)
		}
		if spec.prot.ReadOnly().Writable() {
			t.Errorf("[spec %d] expected ReadOnly to clear write bits", specIndex)
		}
	}
}
