package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
)

// Area is a contiguous virtual range of one address space backed by a cache.
// Reserved range placeholders are areas with ReservedAreaID and no cache.
type Area struct {
	id   AreaID
	name string

	// base, size and protection are guarded by the address space lock.
	base       uintptr
	size       uintptr
	protection mm.Protection

	wiring     Wiring
	memoryType MemoryType

	refCount atomicbitops.Int32

	// deleting is set once the creation reference has been claimed by a
	// delete request.
	deleting atomicbitops.Int32

	// cacheRef and cacheOffset never change after creation.
	cacheRef    *CacheRef
	cacheOffset uintptr

	addressSpace *AddressSpace

	// reserveFlags is only used by reserved placeholders. For those,
	// cacheOffset holds the base the range was originally reserved at.
	reserveFlags ReserveFlags
}

func newArea(as *AddressSpace, name string, wiring Wiring, protection mm.Protection) *Area {
	area := &Area{
		id:           AreaID(as.sys.nextAreaID.Add(1)),
		name:         name,
		protection:   protection,
		wiring:       wiring,
		addressSpace: as,
	}
	area.refCount.Store(1)
	return area
}

func newReservedArea(as *AddressSpace, flags ReserveFlags) *Area {
	area := &Area{
		id:           ReservedAreaID,
		name:         "reserved",
		addressSpace: as,
		reserveFlags: flags,
	}
	area.refCount.Store(1)
	return area
}

// ID returns the area id.
func (a *Area) ID() AreaID { return a.id }

// Name returns the area name.
func (a *Area) Name() string { return a.name }

func (a *Area) contains(address uintptr) bool {
	return address >= a.base && address-a.base < a.size
}

// end returns the address right after the area.
func (a *Area) end() uintptr { return a.base + a.size }

// cacheOffsetFor translates an address inside the area to its cache offset.
func (a *Area) cacheOffsetFor(address uintptr) uintptr {
	return address - a.base + a.cacheOffset
}

// getArea looks up an area in the area table and returns it with an extra
// reference.
func (s *System) getArea(id AreaID) *Area {
	s.areaLock.RLock()
	defer s.areaLock.RUnlock()

	area := s.areas[id]
	if area == nil {
		return nil
	}

	// An area whose last reference is being dropped is already gone.
	for {
		count := area.refCount.Load()
		if count <= 0 {
			return nil
		}
		if area.refCount.CompareAndSwap(count, count+1) {
			return area
		}
	}
}

func (s *System) registerArea(area *Area) {
	s.areaLock.Lock()
	s.areas[area.id] = area
	s.areaLock.Unlock()
}

// putArea drops a reference to area. The last reference tears the area
// down: it leaves the area table, then its address space list, its pages
// are unmapped, it leaves its cache reference, the cache reference is
// released and finally the address space reference held by the area is
// dropped.
func (s *System) putArea(area *Area, spaceLocked bool) {
	if area.refCount.Add(-1) > 0 {
		return
	}

	s.areaLock.Lock()
	delete(s.areas, area.id)
	s.areaLock.Unlock()

	as := area.addressSpace
	if !spaceLocked {
		as.lock.Lock()
	}
	removed := as.removeAreaLocked(area)
	if !spaceLocked {
		as.lock.Unlock()
	}

	if !removed {
		panicFn(&kernel.Error{Module: errAreaListPanic.Module, Message: errAreaListPanic.Message + ": " + area.name})
		return
	}

	log.Debugf("vm: deleting area %d (%s) %#x-%#x", area.id, area.name, area.base, area.end())

	s.unmapArea(area, area.base, area.end())

	ref := area.cacheRef
	ref.removeArea(area)
	s.releaseCacheRef(ref)

	s.putAddressSpace(as)
}

// unmapArea removes the mappings of [start, end) in area and drops the
// mapping references of the pool pages they pointed to.
func (s *System) unmapArea(area *Area, start, end uintptr) {
	tm := area.addressSpace.translationMap
	tm.Lock()
	tm.VisitMappings(start, end, func(_, physAddr uintptr, _ mm.Protection) {
		if page := s.pool.LookupPage(mm.FrameFromAddress(physAddr)); page != nil {
			page.DecRef()
		}
	})
	_ = tm.Unmap(start, end)
	tm.Unlock()
}

// AreaFor returns the id of the area of team covering address.
func (s *System) AreaFor(team TeamID, address uintptr) (AreaID, *kernel.Error) {
	as := s.getAddressSpace(team)
	if as == nil {
		return 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	as.lock.RLock()
	defer as.lock.RUnlock()

	area := as.lookupArea(address)
	if area == nil {
		return 0, errAreaNotFound
	}
	return area.id, nil
}

// AreaInfo describes an area.
type AreaInfo struct {
	ID         AreaID
	Name       string
	Team       TeamID
	Address    uintptr
	Size       uintptr
	Protection mm.Protection
	Wiring     Wiring
	MemoryType MemoryType

	// RAMSize is the number of resident bytes of the area's top cache.
	RAMSize uintptr
}

func (s *System) fillAreaInfo(area *Area) AreaInfo {
	as := area.addressSpace
	as.lock.RLock()
	info := AreaInfo{
		ID:         area.id,
		Name:       area.name,
		Team:       as.id,
		Address:    area.base,
		Size:       area.size,
		Protection: area.protection & mm.UserProtection,
		Wiring:     area.wiring,
		MemoryType: area.memoryType,
	}
	as.lock.RUnlock()

	ref := area.cacheRef
	ref.lock.Lock()
	info.RAMSize = uintptr(ref.cache.residentCount()) << mm.PageShift
	ref.lock.Unlock()
	return info
}

// GetAreaInfo returns a description of the area.
func (s *System) GetAreaInfo(id AreaID) (AreaInfo, *kernel.Error) {
	area := s.getArea(id)
	if area == nil {
		return AreaInfo{}, errNoSuchArea
	}
	defer s.putArea(area, false)

	return s.fillAreaInfo(area), nil
}

// GetNextAreaInfo iterates the areas of team in address order. The cookie
// must start at zero; it holds the base of the last returned area.
// EntryNotFound is returned once all areas have been visited.
func (s *System) GetNextAreaInfo(team TeamID, cookie *uintptr) (AreaInfo, *kernel.Error) {
	if *cookie == ^uintptr(0) {
		return AreaInfo{}, errNoMoreAreas
	}

	as := s.getAddressSpace(team)
	if as == nil {
		return AreaInfo{}, errNoSuchTeam
	}

	var area *Area
	as.lock.RLock()
	for _, candidate := range as.areas {
		if candidate.id == ReservedAreaID {
			continue
		}
		if candidate.base > *cookie {
			area = s.getArea(candidate.id)
			break
		}
	}
	as.lock.RUnlock()
	s.putAddressSpace(as)

	if area == nil {
		*cookie = ^uintptr(0)
		return AreaInfo{}, errNoMoreAreas
	}
	defer s.putArea(area, false)

	info := s.fillAreaInfo(area)
	*cookie = info.Address
	return info, nil
}
