// Package kmain brings the kernel up: it attaches the console, records the
// loader payload, boots the VM system and probes the device drivers.
package kmain

import (
	"io"
	"strconv"

	"kernvm/kernel"
	"kernvm/kernel/hal"
	"kernvm/kernel/hal/bootinfo"
	"kernvm/kernel/kfmt"
	"kernvm/kernel/vm"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

var (
	// The following functions are mocked by tests.
	newSystemFn      = vm.NewSystem
	detectHardwareFn = hal.DetectHardware

	errAlreadyBooted = &kernel.Error{Module: "kmain", Message: "kernel already booted", Kind: kernel.NotAllowed}
	errNotBooted     = &kernel.Error{Module: "kmain", Message: "kernel not booted", Kind: kernel.General}
	errBadPageCount  = &kernel.Error{Module: "kmain", Message: "invalid vm.pages boot argument", Kind: kernel.BadValue}

	bootLock sync.Mutex
	system   *vm.System
)

// Config is the machine description handed to Boot.
type Config struct {
	VM       vm.Config
	BootInfo bootinfo.Info

	// Console receives kernel output. Output produced while it is nil is
	// kept in the early print buffer.
	Console io.Writer
}

// Boot initializes the kernel singleton. The VM system boots its page pool,
// cache subsystem, address spaces and area table, in that order, before any
// driver is probed. The boot argument vm.pages overrides the page count of
// the default pool.
func Boot(cfg Config) (*vm.System, *kernel.Error) {
	bootLock.Lock()
	defer bootLock.Unlock()

	if system != nil {
		return nil, errAlreadyBooted
	}

	kfmt.SetOutputSink(cfg.Console)
	bootinfo.SetInfo(cfg.BootInfo)

	if arg, ok := bootinfo.GetBootCmdLine()["vm.pages"]; ok {
		pages, err := strconv.ParseUint(arg, 0, 32)
		if err != nil || pages == 0 {
			return nil, errBadPageCount
		}
		cfg.VM.PageCount = uint32(pages)
	}

	sys, err := newSystemFn(cfg.VM)
	if err != nil {
		return nil, err
	}
	kfmt.Printf("[kmain] vm: %d pages, %d KiB available\n", sys.Pool().PageCount(), sys.AvailableMemory()>>10)

	detectHardwareFn(sys)

	system = sys
	log.Infof("kmain: boot complete")
	return sys, nil
}

// System returns the booted VM system or nil before Boot succeeds.
func System() *vm.System {
	bootLock.Lock()
	defer bootLock.Unlock()
	return system
}

// Shutdown releases the devices and the physical memory of the booted
// kernel. Boot may be called again afterwards.
func Shutdown() *kernel.Error {
	bootLock.Lock()
	defer bootLock.Unlock()

	if system == nil {
		return errNotBooted
	}

	hal.Reset()
	err := system.Close()
	system = nil
	return err
}
