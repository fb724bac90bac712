// Package fb implements a driver for the linear framebuffer set up by
// firmware. The framebuffer memory is mapped into the kernel address space
// as a write-combining physical memory area.
package fb

import (
	"encoding/binary"
	"io"

	"kernvm/device"
	"kernvm/kernel"
	"kernvm/kernel/hal/bootinfo"
	"kernvm/kernel/kfmt"
	"kernvm/kernel/mm"
	"kernvm/kernel/vm"
)

var (
	getFramebufferInfoFn = bootinfo.GetFramebufferInfo

	errUnsupportedBpp = &kernel.Error{Module: "fb", Message: "unsupported pixel depth", Kind: kernel.BadValue}
	errBadPitch       = &kernel.Error{Module: "fb", Message: "scanline pitch too small for framebuffer width", Kind: kernel.BadValue}
	errOutOfBounds    = &kernel.Error{Module: "fb", Message: "pixel coordinates outside the framebuffer", Kind: kernel.BadValue}
	errNotMapped      = &kernel.Error{Module: "fb", Message: "framebuffer not mapped", Kind: kernel.General}
)

// Framebuffer is a linear framebuffer driver.
type Framebuffer struct {
	sys  *vm.System
	info bootinfo.FramebufferInfo

	area vm.AreaID
	base uintptr
}

// NewFramebuffer returns a driver for the framebuffer described by info.
func NewFramebuffer(sys *vm.System, info bootinfo.FramebufferInfo) *Framebuffer {
	return &Framebuffer{sys: sys, info: info}
}

// DriverName returns the name of this driver.
func (fb *Framebuffer) DriverName() string {
	return "linear_fb"
}

// DriverVersion returns the version of this driver.
func (fb *Framebuffer) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit maps the framebuffer and clears it.
func (fb *Framebuffer) DriverInit(w io.Writer) *kernel.Error {
	switch fb.info.Bpp {
	case 8, 16, 24, 32:
	default:
		return errUnsupportedBpp
	}
	if fb.info.Pitch < fb.info.Width*uint32(fb.info.Bpp>>3) {
		return errBadPitch
	}

	area, base, err := fb.sys.MapPhysicalMemory(vm.KernelTeamID, "framebuffer", 0, vm.AnyKernelAddress,
		fb.info.Size(), mm.KernelReadArea|mm.KernelWriteArea, fb.info.PhysAddr, vm.MemoryTypeWriteCombining)
	if err != nil {
		return err
	}
	fb.area, fb.base = area, base

	kfmt.Fprintf(w, "mapped framebuffer to 0x%x\n", fb.base)

	if err = fb.Clear(); err != nil {
		_ = fb.Release()
		return err
	}
	return nil
}

// Dimensions returns the framebuffer width and height in pixels.
func (fb *Framebuffer) Dimensions() (uint32, uint32) {
	return fb.info.Width, fb.info.Height
}

// Address returns the kernel address of the first pixel or 0 if the
// framebuffer is not mapped.
func (fb *Framebuffer) Address() uintptr {
	return fb.base
}

// Clear fills the framebuffer with zeroes.
func (fb *Framebuffer) Clear() *kernel.Error {
	if fb.base == 0 {
		return errNotMapped
	}

	scanline := make([]byte, fb.info.Pitch)
	for y := uint32(0); y < fb.info.Height; y++ {
		if err := fb.sys.WriteMemory(nil, fb.base+uintptr(y*fb.info.Pitch), scanline, false); err != nil {
			return err
		}
	}
	return nil
}

func (fb *Framebuffer) pixelAddress(x, y uint32) (uintptr, *kernel.Error) {
	if fb.base == 0 {
		return 0, errNotMapped
	}
	if x >= fb.info.Width || y >= fb.info.Height {
		return 0, errOutOfBounds
	}
	return fb.base + uintptr(y*fb.info.Pitch+x*uint32(fb.info.Bpp>>3)), nil
}

// SetPixel stores color, truncated to the pixel depth, at (x, y).
func (fb *Framebuffer) SetPixel(x, y, color uint32) *kernel.Error {
	addr, err := fb.pixelAddress(x, y)
	if err != nil {
		return err
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], color)
	return fb.sys.WriteMemory(nil, addr, buf[:fb.info.Bpp>>3], false)
}

// Pixel returns the color stored at (x, y).
func (fb *Framebuffer) Pixel(x, y uint32) (uint32, *kernel.Error) {
	addr, err := fb.pixelAddress(x, y)
	if err != nil {
		return 0, err
	}

	var buf [4]byte
	if err = fb.sys.ReadMemory(nil, addr, buf[:fb.info.Bpp>>3], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Release unmaps the framebuffer.
func (fb *Framebuffer) Release() *kernel.Error {
	if fb.base == 0 {
		return errNotMapped
	}

	err := fb.sys.DeleteArea(vm.KernelTeamID, fb.area)
	fb.area, fb.base = 0, 0
	return err
}

// probeForFramebuffer checks whether firmware initialized a framebuffer.
func probeForFramebuffer(sys *vm.System) device.Driver {
	info := getFramebufferInfoFn()
	if info == nil || sys == nil {
		return nil
	}
	return NewFramebuffer(sys, *info)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: probeForFramebuffer,
	})
}
