package bootinfo

import "testing"

func TestGetBootCmdLine(t *testing.T) {
	defer SetInfo(Info{})

	SetInfo(Info{CmdLine: "consoleFont=terminus10x18  quiet vm.pages=128"})

	exp := map[string]string{
		"consoleFont": "terminus10x18",
		"quiet":       "",
		"vm.pages":    "128",
	}
	got := GetBootCmdLine()
	if len(got) != len(exp) {
		t.Fatalf("expected %d command line arguments; got %d", len(exp), len(got))
	}
	for k, v := range exp {
		if got[k] != v {
			t.Errorf("expected argument %q to be %q; got %q", k, v, got[k])
		}
	}

	SetInfo(Info{CmdLine: "single"})
	if got = GetBootCmdLine(); len(got) != 1 {
		t.Errorf("expected SetInfo to reset the parsed command line; got %v", got)
	}
}

func TestGetFramebufferInfo(t *testing.T) {
	defer SetInfo(Info{})

	if GetFramebufferInfo() != nil {
		t.Fatal("expected no framebuffer by default")
	}

	SetInfo(Info{Framebuffer: &FramebufferInfo{PhysAddr: 0x1000, Pitch: 320, Width: 80, Height: 25, Bpp: 32}})
	fb := GetFramebufferInfo()
	if fb == nil {
		t.Fatal("expected a framebuffer")
	}
	if exp, got := uintptr(8000), fb.Size(); got != exp {
		t.Errorf("expected framebuffer size %d; got %d", exp, got)
	}
}
