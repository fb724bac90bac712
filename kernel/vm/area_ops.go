package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"

	"golang.org/x/exp/slices"
	"gvisor.dev/gvisor/pkg/log"
)

var (
	errNotResizable = &kernel.Error{Module: "vm", Message: "only anonymous areas can be resized", Kind: kernel.NotAllowed}
	errNoRoomToGrow = &kernel.Error{Module: "vm", Message: "no room to grow area", Kind: kernel.General}
	errSharedCache  = &kernel.Error{Module: "vm", Message: "cannot make an area sharing its cache writable", Kind: kernel.NotAllowed}

	errCacheHasConsumers = &kernel.Error{Module: "vm", Message: "cannot shrink a cache other caches read from", Kind: kernel.NotAllowed}
)

// deleteArea claims the creation reference of area and drops it. It
// returns false if another delete request got there first.
func (s *System) deleteArea(area *Area) bool {
	if !area.deleting.CompareAndSwap(0, 1) {
		return false
	}
	s.putArea(area, false)
	return true
}

// lookupTeamArea returns the area with an extra reference, provided that
// team is allowed to modify it.
func (s *System) lookupTeamArea(team TeamID, id AreaID) (*Area, *kernel.Error) {
	area := s.getArea(id)
	if area == nil {
		return nil, errNoSuchArea
	}
	if team != KernelTeamID && area.addressSpace.id != team {
		s.putArea(area, false)
		return nil, errForeignArea
	}
	return area, nil
}

// DeleteArea deletes an area of team. The kernel team may delete any area.
func (s *System) DeleteArea(team TeamID, id AreaID) *kernel.Error {
	area, err := s.lookupTeamArea(team, id)
	if err != nil {
		return err
	}

	deleted := s.deleteArea(area)
	s.putArea(area, false)
	if !deleted {
		return errNoSuchArea
	}
	return nil
}

// DeleteAreas drops every reserved range of as and deletes all its areas.
func (s *System) DeleteAreas(as *AddressSpace) {
	as.lock.Lock()
	areas := make([]*Area, 0, len(as.areas))
	kept := as.areas[:0]
	for _, area := range as.areas {
		if area.id == ReservedAreaID {
			continue
		}
		kept = append(kept, area)
		areas = append(areas, area)
	}
	as.areas = kept
	as.changeCount++
	as.lock.Unlock()

	for _, area := range areas {
		s.deleteArea(area)
	}
}

// ReserveAddressRange inserts a placeholder covering size bytes so that only
// exact placements can use the range. With ReserveAvoidBase, areas placed
// anywhere may still take the range once nothing else is left.
func (s *System) ReserveAddressRange(team TeamID, address uintptr, spec AddressSpec, size uintptr, flags ReserveFlags) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}

	as := s.getAddressSpace(team)
	if as == nil {
		return 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	area := newReservedArea(as, flags)

	as.lock.Lock()
	defer as.lock.Unlock()

	if as.state == addressSpaceDeletion {
		return 0, errSpaceDeleted
	}

	base, err := as.insertArea(address, spec, size, area)
	if err != nil {
		return 0, err
	}
	area.cacheOffset = base
	return base, nil
}

// UnreserveAddressRange removes every placeholder lying completely inside
// [address, address+size).
func (s *System) UnreserveAddressRange(team TeamID, address, size uintptr) *kernel.Error {
	as := s.getAddressSpace(team)
	if as == nil {
		return errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	as.lock.Lock()
	defer as.lock.Unlock()

	if as.state == addressSpaceDeletion {
		return errSpaceDeleted
	}

	end := address + size
	if end < address {
		return errOutsideSpace
	}
	kept := as.areas[:0]
	for _, area := range as.areas {
		if area.id == ReservedAreaID && area.base >= address && area.end() <= end {
			continue
		}
		kept = append(kept, area)
	}
	if len(kept) != len(as.areas) {
		for i := len(kept); i < len(as.areas); i++ {
			as.areas[i] = nil
		}
		as.areas = kept
		as.changeCount++
	}
	return nil
}

// countWritableAreas returns the number of writable areas of ref other than
// ignore. The caller must hold the lock of ref.
func countWritableAreas(ref *CacheRef, ignore *Area) int {
	count := 0
	for _, area := range ref.areas {
		if area != ignore && area.protection.Writable() {
			count++
		}
	}
	return count
}

// SetAreaProtection changes the protection of an area of team.
func (s *System) SetAreaProtection(team TeamID, id AreaID, protection mm.Protection) *kernel.Error {
	area, err := s.lookupTeamArea(team, id)
	if err != nil {
		return err
	}
	defer s.putArea(area, false)

	as := area.addressSpace
	as.lock.Lock()
	defer as.lock.Unlock()

	if as.indexOf(area) < 0 {
		return errNoSuchArea
	}

	ref := area.cacheRef
	ref.lock.Lock()
	defer ref.lock.Unlock()

	cache := ref.cache
	switch oldProtection := area.protection; {
	case oldProtection.Writable() && !protection.Writable():
		// The last writer is gone: only the resident pages need
		// backing.
		if cache.temporary && countWritableAreas(ref, area) == 0 {
			err = cache.store.Commit(uintptr(cache.residentCount()) << mm.PageShift)
		}

	case !oldProtection.Writable() && protection.Writable():
		if len(ref.areas) > 1 && countWritableAreas(ref, area) == 0 {
			return errSharedCache
		}

		// Caches reading from this one must not see the writes.
		if len(cache.consumers) > 0 {
			ref.lock.Unlock()
			err = s.copyOnWriteArea(area)
			ref.lock.Lock()
			cache = ref.cache
		}
		if err == nil && cache.temporary {
			err = cache.store.Commit(cache.virtualSize - cache.virtualBase)
		}
	}
	if err != nil {
		return err
	}

	tm := as.translationMap
	tm.Lock()
	if cache.source != nil && protection.Writable() {
		// Pages still coming from a source cache must fault on write.
		_ = tm.Protect(area.base, area.end(), protection.ReadOnly())
		for _, offset := range cache.sortedOffsets() {
			if offset < area.cacheOffset || offset-area.cacheOffset >= area.size {
				continue
			}
			virtAddr := area.base + (offset - area.cacheOffset)
			_ = tm.Protect(virtAddr, virtAddr+mm.PageSize, protection)
		}
	} else {
		_ = tm.Protect(area.base, area.end(), protection)
	}
	tm.Unlock()

	area.protection = protection
	return nil
}

// lockSpaces write-locks the distinct address spaces of areas in id order
// and returns them in locking order.
func lockSpaces(areas []*Area) []*AddressSpace {
	var spaces []*AddressSpace
	for _, area := range areas {
		if !slices.Contains(spaces, area.addressSpace) {
			spaces = append(spaces, area.addressSpace)
		}
	}
	slices.SortFunc(spaces, func(a, b *AddressSpace) int { return int(a.id) - int(b.id) })

	for _, as := range spaces {
		as.lock.Lock()
	}
	return spaces
}

func unlockSpaces(spaces []*AddressSpace) {
	for i := len(spaces) - 1; i >= 0; i-- {
		spaces[i].lock.Unlock()
	}
}

// canGrow tells whether area may be extended to newSize. The range after the
// area must be free or reserved by a placeholder that started at or before
// the area. The caller must hold the lock of as.
func (as *AddressSpace) canGrow(area *Area, newSize uintptr) bool {
	newEnd := area.base + newSize
	if newEnd < area.base || newEnd-1 > as.last() {
		return false
	}

	index := as.indexOf(area)
	if index < 0 {
		return false
	}
	if index+1 == len(as.areas) {
		return true
	}

	next := as.areas[index+1]
	if next.base >= newEnd {
		return true
	}
	return next.id == ReservedAreaID && next.cacheOffset <= area.base && next.end() >= newEnd
}

// growArea extends area to newSize, eating into a following placeholder if
// needed. The caller must have checked canGrow and hold the lock of as.
func (as *AddressSpace) growArea(area *Area, newSize uintptr) {
	newEnd := area.base + newSize
	if index := as.indexOf(area); index+1 < len(as.areas) {
		next := as.areas[index+1]
		if next.id == ReservedAreaID && next.base < newEnd {
			if next.end() <= newEnd {
				as.areas = slices.Delete(as.areas, index+1, index+2)
			} else {
				next.size -= newEnd - next.base
				next.base = newEnd
			}
		}
	}
	area.size = newSize
	as.changeCount++
}

// ResizeArea changes the size of an anonymous area and of every area sharing
// its cache.
func (s *System) ResizeArea(team TeamID, id AreaID, newSize uintptr) *kernel.Error {
	if newSize == 0 || !mm.IsAligned(newSize) {
		return errUnalignedRange
	}

	area, err := s.lookupTeamArea(team, id)
	if err != nil {
		return err
	}
	defer s.putArea(area, false)

	ref := area.cacheRef

	var (
		areas  []*Area
		spaces []*AddressSpace
	)
	for {
		ref.lock.Lock()
		resizable := ref.cache.typ == CacheTypeRAM && ref.cache.temporary
		areas = slices.Clone(ref.areas)
		ref.lock.Unlock()

		if !resizable {
			return errNotResizable
		}

		spaces = lockSpaces(areas)
		ref.lock.Lock()
		if slices.Equal(areas, ref.areas) {
			break
		}
		ref.lock.Unlock()
		unlockSpaces(spaces)
	}

	cache := ref.cache
	if area.addressSpace.indexOf(area) < 0 {
		ref.lock.Unlock()
		unlockSpaces(spaces)
		return errNoSuchArea
	}

	oldSize := area.size

	// Caches reading from this one may map the pages a shrink would free.
	if newSize < oldSize && len(cache.consumers) != 0 {
		ref.lock.Unlock()
		unlockSpaces(spaces)
		return errCacheHasConsumers
	}

	if newSize > oldSize {
		for _, a := range areas {
			if !a.addressSpace.canGrow(a, newSize) {
				ref.lock.Unlock()
				unlockSpaces(spaces)
				return errNoRoomToGrow
			}
		}

		if err = cache.store.Commit(newSize); err != nil {
			ref.lock.Unlock()
			unlockSpaces(spaces)
			return err
		}
		cache.virtualSize = cache.virtualBase + newSize

		for _, a := range areas {
			a.addressSpace.growArea(a, newSize)
		}
		ref.lock.Unlock()
		unlockSpaces(spaces)
		return nil
	}

	for _, a := range areas {
		previous := a.size
		a.size = newSize
		a.addressSpace.changeCount++
		if newSize < previous {
			s.unmapArea(a, a.base+newSize, a.base+previous)
		}
	}
	ref.lock.Unlock()
	unlockSpaces(spaces)

	// Pages past the new end are freed once the address spaces are
	// unlocked: waiting for a busy page while holding them could block the
	// fault that owns the page.
	ref.lock.Lock()
	err = s.resizeCache(ref, newSize)
	ref.lock.Unlock()
	return err
}

// TransferArea moves an area into the address space of target and returns
// the id and base of the moved area. The area is cloned into target and the
// original deleted; the clone is removed again if the original cannot be
// deleted.
func (s *System) TransferArea(id AreaID, address uintptr, spec AddressSpec, target TeamID) (AreaID, uintptr, *kernel.Error) {
	area := s.getArea(id)
	if area == nil {
		return 0, 0, errNoSuchArea
	}
	as := area.addressSpace
	as.lock.RLock()
	name, protection := area.name, area.protection
	as.lock.RUnlock()
	s.putArea(area, false)

	newID, base, err := s.CloneArea(target, name, address, spec, protection, NoPrivateMap, id)
	if err != nil {
		return 0, 0, err
	}

	if err = s.DeleteArea(KernelTeamID, id); err != nil {
		log.Warningf("vm: transfer of area %d to team %d failed: %s", id, target, err.Error())
		_ = s.DeleteArea(KernelTeamID, newID)
		return 0, 0, err
	}
	return newID, base, nil
}
