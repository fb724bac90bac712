package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"
	"kernvm/kernel/mm/pmm"

	"gvisor.dev/gvisor/pkg/log"
)

var (
	errInvalidWiring = &kernel.Error{Module: "vm", Message: "unsupported wiring", Kind: kernel.BadValue}
	errInvalidSize   = &kernel.Error{Module: "vm", Message: "invalid size", Kind: kernel.BadValue}
	errSpaceDeleted  = &kernel.Error{Module: "vm", Message: "address space is being deleted", Kind: kernel.BadTeamID}
	errCloneNull     = &kernel.Error{Module: "vm", Message: "null areas cannot be cloned", Kind: kernel.NotAllowed}
)

// mapPage maps physAddr at virtAddr, keeping the mapping counts of pool
// pages in sync. The caller must hold the translation map lock.
func (s *System) mapPage(tm TranslationMap, virtAddr, physAddr uintptr, prot mm.Protection) *kernel.Error {
	if oldPhys, _, flags, err := tm.Query(virtAddr); err == nil && flags.Present() {
		if mm.RoundDown(oldPhys) == physAddr {
			return tm.Protect(virtAddr, virtAddr+mm.PageSize, prot)
		}
		if old := s.pool.LookupPage(mm.FrameFromAddress(oldPhys)); old != nil {
			old.DecRef()
		}
	}

	if err := tm.Map(virtAddr, physAddr, prot); err != nil {
		return err
	}
	if page := s.pool.LookupPage(mm.FrameFromAddress(physAddr)); page != nil {
		page.IncRef()
	}
	return nil
}

// mapBackingStore creates an area over the cache of ref. With PrivateMap a
// new anonymous cache is layered on top of the cache so that writes stay
// private to the area. On success the caller's reference on ref is consumed,
// either by the new area or by the source link of the private cache. On
// failure the caller keeps it.
func (s *System) mapBackingStore(as *AddressSpace, ref *CacheRef, offset, size, address uintptr, spec AddressSpec,
	wiring Wiring, protection mm.Protection, mapping Mapping, name string) (*Area, *kernel.Error) {

	area := newArea(as, name, wiring, protection)

	targetRef := ref
	commitment := offset + size
	var private *Cache
	if mapping == PrivateMap {
		store := newAnonymousStore(s, protection&(mm.StackArea|mm.KernelStackArea) != 0, 0)
		private = s.newCache(store, CacheTypeRAM)
		private.temporary = true
		private.virtualBase = offset
		private.virtualSize = offset + size

		ref.lock.Lock()
		ref.cache.addConsumer(private)
		private.scanSkip = ref.cache.scanSkip
		ref.lock.Unlock()

		targetRef = private.ref.Load()
		commitment = size
	}

	targetRef.lock.Lock()
	err := targetRef.cache.setMinimalCommitment(commitment)
	targetRef.lock.Unlock()
	if err != nil {
		if private != nil {
			s.discardCache(private)
		}
		return nil, err
	}

	as.lock.Lock()
	if as.state == addressSpaceDeletion {
		err = errSpaceDeleted
	} else {
		_, err = as.insertArea(address, spec, size, area)
	}
	if err != nil {
		as.lock.Unlock()
		if private != nil {
			s.discardCache(private)
		}
		return nil, err
	}

	area.cacheRef = targetRef
	area.cacheOffset = offset
	targetRef.insertArea(area)
	s.registerArea(area)

	// The area holds a reference to its address space.
	as.refCount.Add(1)
	as.lock.Unlock()

	log.Debugf("vm: created area %d (%s) %#x-%#x in team %d", area.id, name, area.base, area.end(), as.id)
	return area, nil
}

func validCreateSpec(spec AddressSpec) bool {
	switch spec {
	case AnyAddress, ExactAddress, BaseAddress, AnyKernelAddress, AnyKernelBlockAddress:
		return true
	}
	return false
}

// CreateAnonymousArea creates an area backed by anonymous memory and returns
// its id and base address.
func (s *System) CreateAnonymousArea(team TeamID, name string, address uintptr, spec AddressSpec, size uintptr,
	wiring Wiring, protection mm.Protection) (AreaID, uintptr, *kernel.Error) {

	if !validCreateSpec(spec) {
		return 0, 0, errInvalidSpec
	}
	if wiring > AlreadyWired {
		return 0, 0, errInvalidWiring
	}

	size, ok := mm.RoundUp(size)
	if !ok {
		return 0, 0, errInvalidSize
	}

	as := s.getAddressSpace(team)
	if as == nil {
		return 0, 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	// The page run is allocated up front as it is the most likely step to
	// fail.
	var run *pmm.Page
	if wiring == Contiguous {
		if size == 0 {
			return 0, 0, errOutsideSpace
		}

		var err *kernel.Error
		if run, err = s.pool.AllocatePageRun(pmm.StateClear, uint32(size>>mm.PageShift)); err != nil {
			return 0, 0, err
		}
	}

	canOvercommit := protection&(mm.StackArea|mm.KernelStackArea) != 0
	var precommitted uint32
	if canOvercommit {
		precommitted = stackPrecommitPages
	}

	cache := s.newCache(newAnonymousStore(s, canOvercommit, precommitted), CacheTypeRAM)
	cache.temporary = true
	cache.virtualSize = size
	cache.scanSkip = wiring != NoLock
	ref := cache.ref.Load()

	area, err := s.mapBackingStore(as, ref, 0, size, address, spec, wiring, protection, NoPrivateMap, name)
	if err != nil {
		s.releaseCacheRef(ref)
		if run != nil {
			for i := uintptr(0); i < size>>mm.PageShift; i++ {
				_ = s.pool.FreePage(s.pool.LookupPage(run.Frame + mm.Frame(i)))
			}
		}
		return 0, 0, err
	}

	switch wiring {
	case FullLock:
		// Simulate a fault on every page to make it resident.
		for virtAddr := area.base; virtAddr < area.end(); virtAddr += mm.PageSize {
			if err = s.softFault(as, virtAddr, false, false); err != nil {
				s.deleteArea(area)
				return 0, 0, err
			}
		}

	case AlreadyWired:
		s.adoptWiredPages(area, ref)

	case Contiguous:
		tm := as.translationMap
		ref.lock.Lock()
		tm.Lock()
		for offset := uintptr(0); offset < size; offset += mm.PageSize {
			page := s.pool.LookupPage(run.Frame + mm.Frame(offset>>mm.PageShift))
			if page == nil {
				panicFn(&kernel.Error{Module: "vm", Message: "couldn't look up physical page just allocated"})
			}

			if err = s.mapPage(tm, area.base+offset, page.Address(), protection); err != nil {
				panicFn(err)
			}
			s.pool.SetState(page, pmm.StateWired)
			cache.insertPage(page, offset)
		}
		tm.Unlock()
		ref.lock.Unlock()
	}

	return area.id, area.base, nil
}

// adoptWiredPages inserts the pool pages already mapped in the range of
// area into its cache as wired pages.
func (s *System) adoptWiredPages(area *Area, ref *CacheRef) {
	tm := area.addressSpace.translationMap
	ref.lock.Lock()
	tm.Lock()
	for virtAddr := area.base; virtAddr < area.end(); virtAddr += mm.PageSize {
		physAddr, _, flags, err := tm.Query(virtAddr)
		if err != nil || !flags.Present() {
			continue
		}

		page := s.pool.LookupPage(mm.FrameFromAddress(physAddr))
		if page == nil {
			log.Debugf("vm: no page for wired mapping %#x -> %#x", virtAddr, physAddr)
			continue
		}

		page.IncRef()
		s.pool.SetState(page, pmm.StateWired)
		ref.cache.insertPage(page, virtAddr-area.base)
	}
	tm.Unlock()
	ref.lock.Unlock()
}

// MapPhysicalMemory creates an area mapping the physical range starting at
// physAddr. Every page is mapped up front. The returned address carries the
// same page offset as physAddr.
func (s *System) MapPhysicalMemory(team TeamID, name string, address uintptr, spec AddressSpec, size uintptr,
	protection mm.Protection, physAddr uintptr, memoryType MemoryType) (AreaID, uintptr, *kernel.Error) {

	as := s.getAddressSpace(team)
	if as == nil {
		return 0, 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	// Align the range down to a page boundary.
	mapOffset := physAddr - mm.RoundDown(physAddr)
	physAddr -= mapOffset
	size, ok := mm.RoundUp(size + mapOffset)
	if !ok {
		return 0, 0, errInvalidSize
	}

	store := &deviceStore{sys: s, baseAddress: physAddr}
	cache := s.newCache(store, CacheTypeDevice)
	store.cache = cache
	cache.scanSkip = true
	cache.virtualSize = size
	ref := cache.ref.Load()

	area, err := s.mapBackingStore(as, ref, 0, size, address, spec, FullLock, protection, NoPrivateMap, name)
	if err != nil {
		s.releaseCacheRef(ref)
		return 0, 0, err
	}
	area.memoryType = memoryType

	tm := as.translationMap
	tm.Lock()
	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		if err = s.mapPage(tm, area.base+offset, physAddr+offset, protection); err != nil {
			break
		}
	}
	tm.Unlock()

	if err != nil {
		s.deleteArea(area)
		return 0, 0, err
	}
	return area.id, area.base + mapOffset, nil
}

// CreateNullArea reserves address space with an area that can never be
// accessed.
func (s *System) CreateNullArea(team TeamID, name string, address uintptr, spec AddressSpec, size uintptr) (AreaID, uintptr, *kernel.Error) {
	as := s.getAddressSpace(team)
	if as == nil {
		return 0, 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	size, ok := mm.RoundUp(size)
	if !ok {
		return 0, 0, errInvalidSize
	}

	cache := s.newCache(&nullStore{}, CacheTypeNull)
	cache.temporary = true
	cache.virtualSize = size
	ref := cache.ref.Load()

	area, err := s.mapBackingStore(as, ref, 0, size, address, spec, NoLock, mm.KernelReadArea, NoPrivateMap, name)
	if err != nil {
		s.releaseCacheRef(ref)
		return 0, 0, err
	}
	return area.id, area.base, nil
}

// MapFile maps size bytes of the file at path, starting at offset. All
// shared mappings of a file use the same cache; private mappings layer a
// copy-on-write cache on top of it.
func (s *System) MapFile(team TeamID, name string, address uintptr, spec AddressSpec, size uintptr,
	protection mm.Protection, mapping Mapping, path string, offset uintptr) (AreaID, uintptr, *kernel.Error) {

	if s.cfg.FileSystem == nil {
		return 0, 0, errNoFileSystem
	}

	offset = mm.RoundDown(offset)
	size, ok := mm.RoundUp(size)
	if !ok {
		return 0, 0, errInvalidSize
	}

	vnode, err := s.cfg.FileSystem.Lookup(path)
	if err != nil {
		return 0, 0, err
	}

	as := s.getAddressSpace(team)
	if as == nil {
		return 0, 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	ref := s.vnodeCacheRef(vnode)
	area, err := s.mapBackingStore(as, ref, offset, size, address, spec, NoLock, protection, mapping, name)
	if err != nil {
		s.releaseCacheRef(ref)
		return 0, 0, err
	}
	return area.id, area.base, nil
}

// CloneArea creates an area in team sharing the cache of the source area.
// CloneAddress places the clone at the base of the source area. With
// PrivateMap neither side observes the other's writes.
func (s *System) CloneArea(team TeamID, name string, address uintptr, spec AddressSpec,
	protection mm.Protection, mapping Mapping, sourceID AreaID) (AreaID, uintptr, *kernel.Error) {

	as := s.getAddressSpace(team)
	if as == nil {
		return 0, 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	source := s.getArea(sourceID)
	if source == nil {
		return 0, 0, errNoSuchArea
	}
	defer s.putArea(source, false)

	source.addressSpace.lock.RLock()
	sourceBase, sourceSize := source.base, source.size
	source.addressSpace.lock.RUnlock()

	if spec == CloneAddress {
		spec, address = ExactAddress, sourceBase
	}

	ref := source.cacheRef
	ref.acquire()

	ref.lock.Lock()
	cacheType := ref.cache.typ
	ref.lock.Unlock()

	if cacheType == CacheTypeNull {
		s.releaseCacheRef(ref)
		return 0, 0, errCloneNull
	}

	area, err := s.mapBackingStore(as, ref, source.cacheOffset, sourceSize, address, spec, source.wiring, protection, mapping, name)
	if err != nil {
		s.releaseCacheRef(ref)
		return 0, 0, err
	}

	if area.wiring == FullLock {
		s.mapClonedPages(area, ref, cacheType, protection, mapping)
	}

	// A private clone must not see later writes through a writable source
	// either, so the source moves onto a layer of its own.
	if mapping == PrivateMap {
		sourceSpace := source.addressSpace
		sourceSpace.lock.Lock()
		if source.protection.Writable() {
			err = s.copyOnWriteArea(source)
		}
		sourceSpace.lock.Unlock()

		if err != nil {
			s.deleteArea(area)
			return 0, 0, err
		}
	}
	return area.id, area.base, nil
}

// mapClonedPages maps everything a fully locked source area has resident
// into its clone. Pages seen through a private cache are mapped read-only.
func (s *System) mapClonedPages(area *Area, ref *CacheRef, cacheType CacheType, protection mm.Protection, mapping Mapping) {
	tm := area.addressSpace.translationMap

	ref.lock.Lock()
	defer ref.lock.Unlock()

	if cacheType == CacheTypeDevice {
		store, ok := ref.cache.store.(*deviceStore)
		if !ok {
			return
		}

		tm.Lock()
		for offset := uintptr(0); offset < area.size; offset += mm.PageSize {
			_ = s.mapPage(tm, area.base+offset, store.baseAddress+area.cacheOffset+offset, protection)
		}
		tm.Unlock()
		return
	}

	if mapping == PrivateMap {
		protection = protection.ReadOnly()
	}

	tm.Lock()
	for _, offset := range ref.cache.sortedOffsets() {
		page := ref.cache.pages[offset]
		if page.Busy() || offset < area.cacheOffset || offset-area.cacheOffset >= area.size {
			continue
		}
		_ = s.mapPage(tm, area.base+(offset-area.cacheOffset), page.Address(), protection)
	}
	tm.Unlock()
}

// CopyArea creates a copy-on-write copy of the source area in team. The copy
// always gets a private cache layer. A writable source is moved onto a new
// layer as well so that neither side observes the other's writes.
func (s *System) CopyArea(team TeamID, name string, address uintptr, spec AddressSpec,
	protection mm.Protection, sourceID AreaID) (AreaID, uintptr, *kernel.Error) {

	as := s.getAddressSpace(team)
	if as == nil {
		return 0, 0, errNoSuchTeam
	}
	defer s.putAddressSpace(as)

	source := s.getArea(sourceID)
	if source == nil {
		return 0, 0, errNoSuchArea
	}
	defer s.putArea(source, false)

	sourceSpace := source.addressSpace
	sourceSpace.lock.RLock()
	sourceSize := source.size
	sourceSpace.lock.RUnlock()

	ref := source.cacheRef
	ref.acquire()

	area, err := s.mapBackingStore(as, ref, source.cacheOffset, sourceSize, address, spec, source.wiring, protection, PrivateMap, name)
	if err != nil {
		s.releaseCacheRef(ref)
		return 0, 0, err
	}

	sourceSpace.lock.Lock()
	if source.protection.Writable() {
		err = s.copyOnWriteArea(source)
	}
	sourceSpace.lock.Unlock()

	if err != nil {
		s.deleteArea(area)
		return 0, 0, err
	}

	if area.wiring == FullLock {
		for virtAddr := area.base; virtAddr < area.end(); virtAddr += mm.PageSize {
			if err = s.softFault(as, virtAddr, false, false); err != nil {
				s.deleteArea(area)
				return 0, 0, err
			}
		}
	}
	return area.id, area.base, nil
}
