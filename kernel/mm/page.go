// Package mm contains the types shared by the physical page pool, the
// translation map and the VM core: frame and page numbers, area protection
// bits and page rounding helpers.
package mm

import (
	"math"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(RoundDown(physAddr) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address, rounding down unaligned addresses.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(RoundDown(virtAddr) >> PageShift)
}

// RoundDown rounds addr down to the closest page boundary.
func RoundDown(addr uintptr) uintptr {
	return uintptr(hostarch.Addr(addr).RoundDown())
}

// RoundUp rounds size up to the closest page boundary. The second result is
// false if rounding overflows.
func RoundUp(size uintptr) (uintptr, bool) {
	rounded, ok := hostarch.Addr(size).RoundUp()
	return uintptr(rounded), ok
}

// IsAligned returns true if addr is a multiple of PageSize.
func IsAligned(addr uintptr) bool {
	return hostarch.Addr(addr).IsPageAligned()
}

// Range returns the half-open range [base, base+size). The second result is
// false if the range wraps around the end of the address space.
func Range(base, size uintptr) (hostarch.AddrRange, bool) {
	return hostarch.Addr(base).ToRange(uint64(size))
}
