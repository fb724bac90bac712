// Package bootinfo holds what the loader tells the kernel about the
// machine: the boot command line and the framebuffer set up by firmware.
package bootinfo

import "strings"

// FramebufferInfo describes a linear framebuffer initialized by firmware.
type FramebufferInfo struct {
	// PhysAddr is the physical address of the first pixel.
	PhysAddr uintptr

	// Pitch is the number of bytes per scanline.
	Pitch uint32

	Width  uint32
	Height uint32

	// Bpp is the number of bits per pixel.
	Bpp uint8
}

// Size returns the number of bytes covered by the framebuffer.
func (i *FramebufferInfo) Size() uintptr {
	return uintptr(i.Pitch) * uintptr(i.Height)
}

// Info is the payload passed by the loader.
type Info struct {
	CmdLine     string
	Framebuffer *FramebufferInfo
}

var (
	info Info

	// cmdLineKV caches the parsed command line.
	cmdLineKV map[string]string
)

// SetInfo installs the loader payload. It is called once during boot before
// any driver is probed.
func SetInfo(i Info) {
	info = i
	cmdLineKV = nil
}

// GetFramebufferInfo returns the framebuffer initialized by firmware or nil
// if the machine has none.
func GetFramebufferInfo() *FramebufferInfo {
	return info.Framebuffer
}

// GetBootCmdLine returns the key/value pairs of the boot command line.
// Arguments without a value are stored with an empty value.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	for _, arg := range strings.Fields(info.CmdLine) {
		key, value, _ := strings.Cut(arg, "=")
		cmdLineKV[key] = value
	}
	return cmdLineKV
}
