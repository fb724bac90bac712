package hal

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"kernvm/device"
	"kernvm/kernel"
	"kernvm/kernel/kfmt"
	"kernvm/kernel/vm"
)

type fakeDriver struct {
	name    string
	initErr *kernel.Error
}

func (d *fakeDriver) DriverName() string { return d.name }

func (d *fakeDriver) DriverVersion() (uint16, uint16, uint16) { return 1, 2, 3 }

func (d *fakeDriver) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "probing\n")
	return d.initErr
}

func TestProbe(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		Reset()
	}()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var probedWith []*vm.System
	sys := &vm.System{}
	okDriver := &fakeDriver{name: "ok"}

	list := device.DriverInfoList{
		{Probe: func(s *vm.System) device.Driver {
			probedWith = append(probedWith, s)
			return nil
		}},
		{Probe: func(s *vm.System) device.Driver {
			probedWith = append(probedWith, s)
			return &fakeDriver{name: "broken", initErr: &kernel.Error{Module: "test", Message: "no such device"}}
		}},
		{Probe: func(s *vm.System) device.Driver {
			probedWith = append(probedWith, s)
			return okDriver
		}},
	}

	probe(sys, list)

	if len(probedWith) != 3 {
		t.Fatalf("expected every probe to run; got %d", len(probedWith))
	}
	for i, s := range probedWith {
		if s != sys {
			t.Errorf("expected probe %d to receive the VM system", i)
		}
	}

	if got := ActiveDrivers(); len(got) != 1 || got[0] != okDriver {
		t.Errorf("expected only the working driver to be active; got %v", got)
	}
	if ActiveFramebuffer() != nil {
		t.Error("expected no active framebuffer")
	}

	for _, exp := range []string{
		"[hal] broken(1.2.3): probing\n",
		"[hal] broken(1.2.3): init failed: no such device\n",
		"[hal] ok(1.2.3): probing\n",
		"[hal] ok(1.2.3): initialized\n",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}
