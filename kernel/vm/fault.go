package vm

import (
	"fmt"
	"time"

	"kernvm/kernel"
	"kernvm/kernel/mm"
	"kernvm/kernel/mm/pmm"

	"gvisor.dev/gvisor/pkg/log"
)

const (
	busyWaitInterval      = 20 * time.Millisecond
	physicalRetryInterval = 5 * time.Millisecond
)

var (
	// snoozeFn is used by tests to avoid sleeping while waiting.
	snoozeFn = time.Sleep

	// faultWalkDoneFn is called once the page of a fault has been located,
	// before the address space layout is checked again. Used by tests.
	faultWalkDoneFn = func(address uintptr) {}

	errBadFaultAddress = &kernel.Error{Module: "vm", Message: "no area at fault address", Kind: kernel.BadAddress}
	errStaleLayout     = &kernel.Error{Module: "vm", Message: "address space changed while resolving fault", Kind: kernel.BadAddress}
	errNotUserArea     = &kernel.Error{Module: "vm", Message: "user access to kernel area", Kind: kernel.PermissionDenied}
	errReadOnlyArea    = &kernel.Error{Module: "vm", Message: "write access to read-only area", Kind: kernel.PermissionDenied}
)

// waitForPageNotBusy blocks for a while so that the owner of a busy page can
// finish with it. Callers re-check the page afterwards and wait again as
// often as needed.
func waitForPageNotBusy() {
	snoozeFn(busyWaitInterval)
}

// faultAddressSpace returns the address space an address faulting in thread
// belongs to, with an extra reference.
func (s *System) faultAddressSpace(thread *Thread, address uintptr, isUser bool) (*AddressSpace, *kernel.Error) {
	switch {
	case s.isKernelAddress(address):
		return s.getAddressSpace(KernelTeamID), nil
	case s.isUserAddress(address):
		var as *AddressSpace
		if thread != nil && thread.Team != KernelTeamID {
			as = s.getAddressSpace(thread.Team)
		}
		if as == nil {
			if !isUser {
				log.Warningf("vm: kernel thread accessing invalid user memory at %#x", address)
			}
			return nil, errBadFaultAddress
		}
		return as, nil
	default:
		return nil, errBadFaultAddress
	}
}

// SoftFault resolves a fault at address without any of the side effects of
// an unresolved fault.
func (s *System) SoftFault(thread *Thread, address uintptr, isWrite, isUser bool) *kernel.Error {
	as, err := s.faultAddressSpace(thread, address, isUser)
	if err != nil {
		return err
	}
	defer s.putAddressSpace(as)

	return s.softFault(as, address, isWrite, isUser)
}

// PageFault handles a hardware page fault. For kernel faults it returns the
// address execution resumes at when the thread installed a fault handler;
// otherwise the kernel panics. Unresolved user faults raise SIGSEGV in the
// faulting team. PageFault returns zero when execution resumes at the fault
// address.
func (s *System) PageFault(thread *Thread, address, faultIP uintptr, isWrite, isUser bool) uintptr {
	var err *kernel.Error
	for {
		if err = s.SoftFault(thread, address, isWrite, isUser); err != errStaleLayout {
			break
		}
		log.Debugf("vm: layout changed while faulting at %#x, retrying", address)
	}
	if err == nil {
		return 0
	}

	log.Warningf("vm: page fault at %#x, ip %#x, write %t, user %t: %s", address, faultIP, isWrite, isUser, err.Error())

	if !isUser {
		if thread != nil && thread.FaultHandler != 0 {
			return thread.FaultHandler
		}
		panicFn(&kernel.Error{
			Module:  "vm",
			Message: fmt.Sprintf("unhandled page fault in kernel space at %#x, ip %#x", address, faultIP),
		})
		return 0
	}

	if thread == nil {
		return 0
	}
	if hook := s.cfg.UserDebugException; hook == nil || hook(thread, address, isWrite) {
		if s.cfg.Signals != nil {
			if sigErr := s.cfg.Signals.SendSignal(thread.Team, SIGSEGV); sigErr != nil {
				log.Warningf("vm: cannot signal team %d: %s", thread.Team, sigErr.Error())
			}
		}
	}
	return 0
}

// pageFault holds the state of a fault while the cache chain is searched.
type pageFault struct {
	sys     *System
	as      *AddressSpace
	isWrite bool

	topRef *CacheRef
	top    *Cache
	offset uintptr

	// dummy sits in the top cache while the page is being resolved so that
	// concurrent faults on the same page wait for this one.
	dummy      *pmm.Page
	dummyCache *Cache

	// page is the located page, marked busy, and pageCache the cache
	// holding it. pageState is the state it gets back once the fault is
	// over.
	page      *pmm.Page
	pageCache *Cache
	pageState pmm.PageState

	// last is the deepest cache the walk reached.
	last *Cache
}

func (s *System) softFault(as *AddressSpace, address uintptr, isWrite, isUser bool) *kernel.Error {
	address = mm.RoundDown(address)

	as.lock.RLock()
	area := as.lookupArea(address)
	if area == nil {
		as.lock.RUnlock()
		return errBadFaultAddress
	}
	if isUser && !area.protection.UserAccessible() {
		as.lock.RUnlock()
		return errNotUserArea
	}
	if isWrite && !area.protection.CanWrite(isUser) {
		as.lock.RUnlock()
		return errReadOnlyArea
	}

	topRef := area.cacheRef
	topRef.acquire()
	cacheOffset := area.cacheOffsetFor(address)
	changeCount := as.changeCount
	as.lock.RUnlock()

	defer s.releaseCacheRef(topRef)

	topRef.lock.Lock()
	store := topRef.cache.store
	topRef.lock.Unlock()

	if err := store.Fault(as, cacheOffset); err == nil || err.Kind != kernel.NotHandled {
		return err
	}

	f := &pageFault{
		sys:     s,
		as:      as,
		isWrite: isWrite,
		topRef:  topRef,
		offset:  cacheOffset,
		dummy:   pmm.NewDummyPage(cacheOffset),
	}
	defer f.cleanup()

	if err := f.walkCaches(); err != nil {
		return err
	}
	if f.page == nil {
		if err := f.allocateClearPage(); err != nil {
			return err
		}
	}
	if f.pageCache != f.top && isWrite {
		if err := f.copyPage(); err != nil {
			return err
		}
	}

	faultWalkDoneFn(address)

	as.lock.RLock()
	defer as.lock.RUnlock()

	if as.changeCount != changeCount {
		area = as.lookupArea(address)
		if area == nil || area.cacheRef != topRef || area.cacheOffsetFor(address) != cacheOffset {
			return errStaleLayout
		}
	}

	topRef.lock.Lock()
	defer topRef.lock.Unlock()

	// The top cache moved below a new layer while the lock was dropped.
	if topRef.cache != f.top {
		return errStaleLayout
	}

	protection := area.protection
	if f.pageCache != f.top && !isWrite {
		protection = protection.ReadOnly()
	}

	tm := as.translationMap
	tm.Lock()
	err := s.mapPage(tm, address, f.page.Address(), protection)
	tm.Unlock()
	return err
}

// claim marks page busy on behalf of the fault. The caller must hold the
// lock of the reference owning cache.
func (f *pageFault) claim(page *pmm.Page, cache *Cache) {
	f.page, f.pageCache, f.pageState = page, cache, page.State
	f.sys.pool.SetState(page, pmm.StateBusy)
}

// insert adds page to cache at the fault offset. The caller must hold the
// lock of the reference owning cache.
func (f *pageFault) insert(cache *Cache, page *pmm.Page) {
	if cache == f.dummyCache && cache.lookupPage(f.offset) == f.dummy {
		f.dummyCache = nil
	}
	cache.insertPage(page, f.offset)
}

// walkCaches looks for the page from the top cache down. A page is taken
// from the first cache that has it or whose store can provide it.
func (f *pageFault) walkCaches() *kernel.Error {
	ref := f.topRef
	ref.lock.Lock()
	cache := ref.cache
	f.top = cache

	for {
		page := cache.lookupPage(f.offset)
		for page != nil && page != f.dummy && page.Busy() {
			ref.lock.Unlock()
			waitForPageNotBusy()
			ref = lockCache(cache)
			page = cache.lookupPage(f.offset)
		}

		if page != nil && page != f.dummy {
			f.claim(page, cache)
			ref.lock.Unlock()
			return nil
		}

		if cache == f.top && f.dummyCache == nil && page == nil {
			cache.insertPage(f.dummy, f.offset)
			f.dummyCache = cache
		}

		if cache.store.HasPage(f.offset) {
			ref.lock.Unlock()
			return f.readPage(cache)
		}

		f.last = cache
		source := cache.source
		ref.lock.Unlock()
		if source == nil {
			return nil
		}

		cache = source
		ref = lockCache(cache)
	}
}

// readPage fills a new page of cache from its store.
func (f *pageFault) readPage(cache *Cache) *kernel.Error {
	page, err := f.sys.pool.AllocatePage(pmm.StateActive)
	if err != nil {
		return err
	}

	ref := lockCache(cache)
	f.insert(cache, page)
	ref.lock.Unlock()

	tm := f.as.translationMap
	var data []byte
	if data, err = tm.GetPhysicalPage(page.Address(), true); err == nil {
		_, err = cache.store.Read(f.offset, data)
		tm.PutPhysicalPage(data)
	}

	ref = lockCache(cache)
	defer ref.lock.Unlock()

	if err != nil {
		cache.removePage(page)
		_ = f.sys.pool.FreePage(page)
		return err
	}

	f.page, f.pageCache, f.pageState = page, cache, pmm.StateActive
	return nil
}

// allocateClearPage provides a zeroed page when no cache had one. Writes get
// the page in the top cache and reads in the deepest one, where every layer
// above can see it.
func (f *pageFault) allocateClearPage() *kernel.Error {
	page, err := f.sys.pool.AllocatePage(pmm.StateClear)
	if err != nil {
		return err
	}

	target := f.last
	if f.isWrite || target == nil {
		target = f.top
	}

	ref := lockCache(target)
	for {
		existing := target.lookupPage(f.offset)
		if existing == nil || existing == f.dummy {
			break
		}

		// Another fault reading through a different top cache got
		// there first.
		if existing.Busy() {
			ref.lock.Unlock()
			waitForPageNotBusy()
			ref = lockCache(target)
			continue
		}

		ref.lock.Unlock()
		_ = f.sys.pool.FreePage(page)

		ref = lockCache(target)
		if target.lookupPage(f.offset) == existing && !existing.Busy() {
			f.claim(existing, target)
			ref.lock.Unlock()
			return nil
		}
		ref.lock.Unlock()
		return f.allocateClearPage()
	}

	f.insert(target, page)
	f.page, f.pageCache, f.pageState = page, target, pmm.StateActive
	ref.lock.Unlock()
	return nil
}

// copyPage copies the page found below the top cache into a new page of the
// top cache.
func (f *pageFault) copyPage() *kernel.Error {
	page, err := f.sys.pool.AllocatePage(pmm.StateActive)
	if err != nil {
		return err
	}

	tm := f.as.translationMap
	for {
		src, err := tm.GetPhysicalPage(f.page.Address(), false)
		if err != nil {
			snoozeFn(physicalRetryInterval)
			continue
		}

		dst, err := tm.GetPhysicalPage(page.Address(), false)
		if err != nil {
			tm.PutPhysicalPage(src)
			snoozeFn(physicalRetryInterval)
			continue
		}

		copy(dst, src)
		tm.PutPhysicalPage(dst)
		tm.PutPhysicalPage(src)
		break
	}

	f.release(f.page, f.pageCache, f.pageState)

	ref := lockCache(f.top)
	f.insert(f.top, page)
	ref.lock.Unlock()

	f.page, f.pageCache, f.pageState = page, f.top, pmm.StateActive
	return nil
}

// release hands page back with the given state.
func (f *pageFault) release(page *pmm.Page, cache *Cache, state pmm.PageState) {
	if state != pmm.StateWired {
		state = pmm.StateActive
	}

	ref := lockCache(cache)
	f.sys.pool.SetState(page, state)
	ref.lock.Unlock()
}

// cleanup removes the placeholder and returns the located page to its
// regular state.
func (f *pageFault) cleanup() {
	if f.dummyCache != nil {
		ref := lockCache(f.dummyCache)
		f.dummyCache.removePage(f.dummy)
		ref.lock.Unlock()
		f.dummyCache = nil
	}

	if f.page != nil {
		f.release(f.page, f.pageCache, f.pageState)
		f.page = nil
	}
}
