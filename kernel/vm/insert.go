package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"

	"golang.org/x/exp/slices"
)

var (
	errOutsideSpace    = &kernel.Error{Module: "vm", Message: "range lies outside the address space", Kind: kernel.BadAddress}
	errUnalignedRange  = &kernel.Error{Module: "vm", Message: "address or size is not page aligned", Kind: kernel.BadValue}
	errInvalidSpec     = &kernel.Error{Module: "vm", Message: "unsupported address specification", Kind: kernel.BadValue}
	errRangeInUse      = &kernel.Error{Module: "vm", Message: "range overlaps an existing area", Kind: kernel.BadValue}
	errNoFreeSlot      = &kernel.Error{Module: "vm", Message: "no free range of the requested size", Kind: kernel.NoMemory}
	errNoReservedRange = &kernel.Error{Module: "vm", Message: "no reserved range covers the request", Kind: kernel.EntryNotFound}
)

// insertArea places area into the space according to spec and returns the
// chosen base. The caller must hold the space write lock.
func (as *AddressSpace) insertArea(address uintptr, spec AddressSpec, size uintptr, area *Area) (uintptr, *kernel.Error) {
	var searchBase, searchEnd uintptr

	switch spec {
	case ExactAddress:
		if !mm.IsAligned(address) {
			return 0, errUnalignedRange
		}
		searchBase, searchEnd = address, address+size
	case BaseAddress:
		if !mm.IsAligned(address) {
			return 0, errUnalignedRange
		}
		searchBase, searchEnd = address, as.end()
	case AnyAddress, AnyKernelAddress, AnyKernelBlockAddress:
		searchBase, searchEnd = as.base, as.end()
	default:
		return 0, errInvalidSpec
	}

	if err := as.findAndInsertAreaSlot(searchBase, size, searchEnd, spec, area); err != nil {
		return 0, err
	}
	return area.base, nil
}

// inSpace reports whether [start, start+size) lies inside the space and
// below end. A zero end stands for the top of the address range.
func (as *AddressSpace) inSpace(start, size, end uintptr) bool {
	if size == 0 || start < as.base || start+size < start {
		return false
	}
	if end != 0 && start+size > end {
		return false
	}
	return start+size-1 <= as.last()
}

// findAndInsertAreaSlot finds a gap for area in a single forward walk over
// the sorted area list and links area into it.
func (as *AddressSpace) findAndInsertAreaSlot(start, size, end uintptr, spec AddressSpec, area *Area) *kernel.Error {
	if !mm.IsAligned(size) {
		return errUnalignedRange
	}
	if !as.inSpace(start, size, end) {
		return errOutsideSpace
	}

	if spec == ExactAddress {
		// Reserved ranges covering the request are handed over first.
		err := as.findReservedArea(start, size, area)
		if err == nil || err == errRangeInUse {
			return err
		}
	}

	for {
		switch spec {
		case AnyAddress, AnyKernelAddress, AnyKernelBlockAddress:
			if base, ok := as.lowestGap(start, size, end); ok {
				as.linkArea(area, base, size)
				return nil
			}

			// Reserved ranges that only avoid being picked first can now
			// be consumed.
			if as.consumeAvoidBaseReservation(size, area) {
				return nil
			}
			return errNoFreeSlot

		case BaseAddress:
			if base, ok := as.lowestGap(start, size, end); ok {
				as.linkArea(area, base, size)
				return nil
			}

			start, end, spec = as.base, as.end(), AnyAddress

		case ExactAddress:
			if !as.rangeFree(start, size) {
				return errRangeInUse
			}
			as.linkArea(area, start, size)
			return nil

		default:
			return errInvalidSpec
		}
	}
}

// lowestGap returns the lowest base at or above start where size bytes fit
// before end without touching any area, reserved ranges included.
func (as *AddressSpace) lowestGap(start, size, end uintptr) (uintptr, bool) {
	candidate := start
	for _, next := range as.areas {
		if next.end() <= candidate {
			continue
		}
		if next.base >= candidate+size {
			break
		}
		candidate = next.end()
		if candidate == 0 {
			// next reaches the top of the address range
			return 0, false
		}
	}

	return candidate, as.inSpace(candidate, size, end)
}

// rangeFree reports whether [start, start+size) overlaps no area.
func (as *AddressSpace) rangeFree(start, size uintptr) bool {
	for _, next := range as.areas {
		if next.base >= start+size {
			break
		}
		if next.end() > start {
			return false
		}
	}
	return true
}

// linkArea inserts area into the sorted list.
func (as *AddressSpace) linkArea(area *Area, base, size uintptr) {
	area.base, area.size = base, size

	index, _ := slices.BinarySearchFunc(as.areas, base, func(a *Area, base uintptr) int {
		switch {
		case a.base > base:
			return 1
		case a.base < base:
			return -1
		default:
			return 0
		}
	})
	as.areas = slices.Insert(as.areas, index, area)
	as.changeCount++
}

// consumeAvoidBaseReservation places area at the end of the first reserved
// range flagged ReserveAvoidBase that is large enough. A range of exactly
// the requested size is replaced entirely.
func (as *AddressSpace) consumeAvoidBaseReservation(size uintptr, area *Area) bool {
	for index, next := range as.areas {
		if next.id != ReservedAreaID || next.reserveFlags&ReserveAvoidBase == 0 || next.size < size {
			continue
		}

		if next.size == size {
			area.base, area.size = next.base, size
			as.areas[index] = area
			as.areaHint.CompareAndSwap(next, nil)
			as.changeCount++
			return true
		}

		next.size -= size
		as.linkArea(area, next.end(), size)
		return true
	}
	return false
}

// findReservedArea looks for a reserved range covering [start, start+size)
// and hands the covered part over to area, keeping whatever is left of the
// reservation before and after it. errRangeInUse is returned if a real
// area covers the range and errNoReservedRange if nothing covers it.
func (as *AddressSpace) findReservedArea(start, size uintptr, area *Area) *kernel.Error {
	index := -1
	for i, next := range as.areas {
		if next.base <= start && next.end()-1 >= start+size-1 {
			if next.id != ReservedAreaID {
				return errRangeInUse
			}
			index = i
			break
		}
	}
	if index < 0 {
		return errNoReservedRange
	}

	reserved := as.areas[index]
	area.base, area.size = start, size

	switch {
	case start == reserved.base && size == reserved.size:
		// the new area fully covers the reserved range
		as.areas[index] = area
		as.areaHint.CompareAndSwap(reserved, nil)
	case start == reserved.base:
		// shrink the reserved range behind the area
		reserved.base += size
		reserved.size -= size
		as.areas = slices.Insert(as.areas, index, area)
	case start+size == reserved.end():
		// shrink the reserved range before the area
		reserved.size = start - reserved.base
		as.areas = slices.Insert(as.areas, index+1, area)
	default:
		// split the reserved range in two
		after := newReservedArea(as, reserved.reserveFlags)
		after.base = start + size
		after.size = reserved.end() - after.base
		after.cacheOffset = reserved.cacheOffset
		reserved.size = start - reserved.base
		as.areas = slices.Insert(as.areas, index+1, area, after)
	}

	as.changeCount++
	return nil
}
