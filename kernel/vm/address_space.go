package vm

import (
	"sync/atomic"

	"kernvm/kernel"

	"golang.org/x/exp/slices"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

type addressSpaceState uint8

const (
	addressSpaceNormal addressSpaceState = iota
	addressSpaceDeletion
)

// AddressSpace is the virtual address range of one team. Its areas are kept
// sorted by base address and never overlap.
type AddressSpace struct {
	sys *System

	id   TeamID
	base uintptr
	size uintptr

	// lock guards areas, changeCount, state and the base/size/protection
	// of every area in the space. Lookups take it for reading, structural
	// changes for writing.
	lock sync.RWMutex

	areas []*Area

	// changeCount is incremented on every structural change. The fault
	// resolver compares it to detect concurrent layout changes.
	changeCount uint64

	state addressSpaceState

	// areaHint caches the area of the last successful lookup.
	areaHint atomic.Pointer[Area]

	refCount atomicbitops.Int32

	translationMap TranslationMap
}

// ID returns the team owning the address space.
func (as *AddressSpace) ID() TeamID { return as.id }

// Base returns the lowest address of the space.
func (as *AddressSpace) Base() uintptr { return as.base }

// Size returns the size of the space in bytes.
func (as *AddressSpace) Size() uintptr { return as.size }

// TranslationMap returns the translation map of the space.
func (as *AddressSpace) TranslationMap() TranslationMap { return as.translationMap }

// end returns the address right after the space. It may be zero if the
// space reaches the top of the address range.
func (as *AddressSpace) end() uintptr { return as.base + as.size }

// last returns the highest address of the space.
func (as *AddressSpace) last() uintptr { return as.base + (as.size - 1) }

// ChangeCount returns the structural change counter.
func (as *AddressSpace) ChangeCount() uint64 {
	as.lock.RLock()
	defer as.lock.RUnlock()
	return as.changeCount
}

// AreaCount returns the number of areas, reserved ranges included.
func (as *AddressSpace) AreaCount() int {
	as.lock.RLock()
	defer as.lock.RUnlock()
	return len(as.areas)
}

// lookupArea returns the non reserved area covering address or nil. The
// caller must hold the space lock.
func (as *AddressSpace) lookupArea(address uintptr) *Area {
	if hint := as.areaHint.Load(); hint != nil && hint.contains(address) {
		return hint
	}

	index, found := slices.BinarySearchFunc(as.areas, address, func(a *Area, address uintptr) int {
		switch {
		case a.base > address:
			return 1
		case a.base < address:
			return -1
		default:
			return 0
		}
	})
	if !found {
		// The candidate is the area right below address.
		if index == 0 {
			return nil
		}
		index--
	}

	area := as.areas[index]
	if area.id == ReservedAreaID || !area.contains(address) {
		return nil
	}

	as.areaHint.Store(area)
	return area
}

// indexOf returns the list index of area or -1. The caller must hold the
// space lock.
func (as *AddressSpace) indexOf(area *Area) int {
	return slices.Index(as.areas, area)
}

// removeAreaLocked unlinks area from the list. The caller must hold the
// space write lock.
func (as *AddressSpace) removeAreaLocked(area *Area) bool {
	index := as.indexOf(area)
	if index < 0 {
		return false
	}

	as.areas = slices.Delete(as.areas, index, index+1)
	as.areaHint.CompareAndSwap(area, nil)
	as.changeCount++
	return true
}

func (s *System) createAddressSpace(team TeamID, base, size uintptr) (*AddressSpace, *kernel.Error) {
	s.spaceLock.Lock()
	defer s.spaceLock.Unlock()

	if _, exists := s.spaces[team]; exists {
		return nil, errTeamExists
	}

	as := &AddressSpace{
		sys:            s,
		id:             team,
		base:           base,
		size:           size,
		translationMap: s.newTranslationMap(),
	}

	// The team table holds the initial reference.
	as.refCount.Store(1)
	s.spaces[team] = as

	log.Debugf("vm: created address space for team %d (%#x-%#x)", team, base, base+size)
	return as, nil
}

// CreateAddressSpace creates the address space of a new team.
func (s *System) CreateAddressSpace(team TeamID) (*AddressSpace, *kernel.Error) {
	return s.createAddressSpace(team, s.cfg.UserBase, s.cfg.UserSize)
}

// KernelAddressSpace returns the kernel address space.
func (s *System) KernelAddressSpace() *AddressSpace {
	return s.kernelSpace
}

// getAddressSpace returns the space of team with an extra reference.
func (s *System) getAddressSpace(team TeamID) *AddressSpace {
	s.spaceLock.RLock()
	defer s.spaceLock.RUnlock()

	as := s.spaces[team]
	if as != nil {
		as.refCount.Add(1)
	}
	return as
}

// putAddressSpace drops a reference. The last reference destroys the
// translation map.
func (s *System) putAddressSpace(as *AddressSpace) {
	if as.refCount.Add(-1) > 0 {
		return
	}

	log.Debugf("vm: destroying address space of team %d", as.id)
	as.translationMap.Lock()
	as.translationMap.Destroy()
	as.translationMap.Unlock()
}

// DeleteAddressSpace moves the space of team into the deletion state,
// deletes all of its areas and drops the team table reference.
func (s *System) DeleteAddressSpace(team TeamID) *kernel.Error {
	if team == KernelTeamID {
		return errKernelTeam
	}

	s.spaceLock.Lock()
	as := s.spaces[team]
	delete(s.spaces, team)
	s.spaceLock.Unlock()

	if as == nil {
		return errNoSuchTeam
	}

	as.lock.Lock()
	as.state = addressSpaceDeletion
	as.lock.Unlock()

	s.DeleteAreas(as)
	s.putAddressSpace(as)
	return nil
}

// AddressSpaces returns the ids of every team with an address space.
func (s *System) AddressSpaces() []TeamID {
	s.spaceLock.RLock()
	defer s.spaceLock.RUnlock()

	teams := make([]TeamID, 0, len(s.spaces))
	for team := range s.spaces {
		teams = append(teams, team)
	}
	slices.Sort(teams)
	return teams
}
