package vm

import (
	"sync/atomic"

	"kernvm/kernel"
	"kernvm/kernel/mm/pmm"

	"golang.org/x/exp/slices"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// CacheType tells what kind of store backs a cache.
type CacheType uint8

// The supported cache types.
const (
	CacheTypeRAM CacheType = iota
	CacheTypeVnode
	CacheTypeDevice
	CacheTypeNull
)

var cacheTypeNames = [...]string{"ram", "vnode", "device", "null"}

func (t CacheType) String() string {
	if int(t) < len(cacheTypeNames) {
		return cacheTypeNames[t]
	}
	return "unknown"
}

// Cache holds the resident pages of a store. Caches form copy-on-write
// chains through their source link: a fault looks at the top cache first
// and walks down towards the original data.
type Cache struct {
	id int32

	// ref is the cache reference owning the cache. It only changes when
	// copy-on-write moves the cache below a new layer.
	ref atomic.Pointer[CacheRef]

	// The fields below are guarded by the lock of ref.
	source    *Cache
	consumers []*Cache
	pages     map[uintptr]*pmm.Page

	store Store

	virtualBase uintptr
	virtualSize uintptr

	// temporary caches hold anonymous memory and may be resized.
	temporary bool

	// scanSkip tells the page scanner to leave the pages alone.
	scanSkip bool

	typ CacheType
}

// CacheRef is the lockable, reference counted handle areas and child caches
// hold on a cache.
type CacheRef struct {
	lock sync.Mutex

	// cache is guarded by lock.
	cache *Cache

	// areas lists every area mapping the cache. Guarded by lock.
	areas []*Area

	refCount atomicbitops.Int32
}

// newCache creates a cache for store together with its cache reference. The
// reference starts with a count of one that belongs to the caller.
func (s *System) newCache(store Store, typ CacheType) *Cache {
	cache := &Cache{
		id:    s.nextCacheID.Add(1),
		pages: make(map[uintptr]*pmm.Page),
		store: store,
		typ:   typ,
	}

	ref := &CacheRef{cache: cache}
	ref.refCount.Store(1)
	cache.ref.Store(ref)

	s.cacheLock.Lock()
	s.caches[cache.id] = cache
	s.cacheLock.Unlock()
	return cache
}

// ID returns the cache id.
func (c *Cache) ID() int32 { return c.id }

// lockCache locks the cache reference that currently owns c.
func lockCache(c *Cache) *CacheRef {
	for {
		ref := c.ref.Load()
		ref.lock.Lock()
		if c.ref.Load() == ref {
			return ref
		}
		ref.lock.Unlock()
	}
}

func (r *CacheRef) acquire() {
	r.refCount.Add(1)
}

// tryAcquire takes a reference unless the count already dropped to zero.
func (r *CacheRef) tryAcquire() bool {
	for {
		count := r.refCount.Load()
		if count <= 0 {
			return false
		}
		if r.refCount.CompareAndSwap(count, count+1) {
			return true
		}
	}
}

func (r *CacheRef) insertArea(area *Area) {
	r.lock.Lock()
	r.areas = append(r.areas, area)
	r.lock.Unlock()
}

func (r *CacheRef) removeArea(area *Area) {
	r.lock.Lock()
	if index := slices.Index(r.areas, area); index >= 0 {
		r.areas = slices.Delete(r.areas, index, index+1)
	}
	r.lock.Unlock()
}

// releaseCacheRef drops a reference. The last reference frees every page
// of the cache, destroys its store and releases the reference the cache
// held on its source.
func (s *System) releaseCacheRef(ref *CacheRef) {
	if ref.refCount.Add(-1) > 0 {
		return
	}

	ref.lock.Lock()
	cache := ref.cache
	for offset, page := range cache.pages {
		delete(cache.pages, offset)
		if !page.Dummy {
			_ = s.pool.FreePage(page)
		}
	}
	source := cache.source
	cache.source = nil
	ref.lock.Unlock()

	s.cacheLock.Lock()
	delete(s.caches, cache.id)
	s.cacheLock.Unlock()

	cache.store.Destroy()
	log.Debugf("vm: destroyed %s cache %d", cache.typ, cache.id)

	if source != nil {
		sourceRef := lockCache(source)
		source.removeConsumer(cache)
		sourceRef.lock.Unlock()
		s.releaseCacheRef(sourceRef)
	}
}

// discardCache tears down a cache that was never published. Unlike
// releaseCacheRef it keeps the reference the cache held on its source; the
// caller still owns it.
func (s *System) discardCache(cache *Cache) {
	if source := cache.source; source != nil {
		sourceRef := lockCache(source)
		source.removeConsumer(cache)
		sourceRef.lock.Unlock()
		cache.source = nil
	}

	s.cacheLock.Lock()
	delete(s.caches, cache.id)
	s.cacheLock.Unlock()

	cache.store.Destroy()
}

// addConsumer links consumer on top of c. The caller must hold the lock of
// c's reference.
func (c *Cache) addConsumer(consumer *Cache) {
	consumer.source = c
	c.consumers = append(c.consumers, consumer)
}

// removeConsumer unlinks consumer. The caller must hold the lock of c's
// reference.
func (c *Cache) removeConsumer(consumer *Cache) {
	if index := slices.Index(c.consumers, consumer); index >= 0 {
		c.consumers = slices.Delete(c.consumers, index, index+1)
	}
}

// lookupPage returns the page at offset. The caller must hold the lock of
// c's reference.
func (c *Cache) lookupPage(offset uintptr) *pmm.Page {
	return c.pages[offset]
}

// insertPage adds page at offset, replacing a placeholder that may sit
// there. The caller must hold the lock of c's reference.
func (c *Cache) insertPage(page *pmm.Page, offset uintptr) {
	page.CacheOffset = offset
	page.Owner = c
	c.pages[offset] = page
}

// removePage unlinks page if it is still the page at its offset. The caller
// must hold the lock of c's reference.
func (c *Cache) removePage(page *pmm.Page) bool {
	if c.pages[page.CacheOffset] != page {
		return false
	}
	delete(c.pages, page.CacheOffset)
	page.Owner = nil
	return true
}

// residentCount returns the number of real pages in the cache. The caller
// must hold the lock of c's reference.
func (c *Cache) residentCount() int {
	count := 0
	for _, page := range c.pages {
		if !page.Dummy {
			count++
		}
	}
	return count
}

// sortedOffsets returns the offsets of the real pages in ascending order.
// The caller must hold the lock of c's reference.
func (c *Cache) sortedOffsets() []uintptr {
	offsets := make([]uintptr, 0, len(c.pages))
	for offset, page := range c.pages {
		if !page.Dummy {
			offsets = append(offsets, offset)
		}
	}
	slices.Sort(offsets)
	return offsets
}

// setMinimalCommitment grows the store commitment to at least commitment
// bytes. The caller must hold the lock of c's reference.
func (c *Cache) setMinimalCommitment(commitment uintptr) *kernel.Error {
	if c.store.Committed() >= commitment {
		return nil
	}
	return c.store.Commit(commitment)
}

// resize changes the virtual size of the cache. Shrinking frees the pages
// past the new end after waiting for busy ones. The caller must hold the
// lock of ref, which must own c; the lock may be dropped while waiting.
func (s *System) resizeCache(ref *CacheRef, newSize uintptr) *kernel.Error {
	cache := ref.cache
	if err := cache.store.Commit(newSize); err != nil {
		return err
	}

	newEnd := cache.virtualBase + newSize
restart:
	for offset, page := range cache.pages {
		if offset < newEnd {
			continue
		}

		if page.Busy() {
			ref.lock.Unlock()
			waitForPageNotBusy()
			ref.lock.Lock()
			goto restart
		}

		cache.removePage(page)
		if !page.Dummy {
			_ = s.pool.FreePage(page)
		}
	}

	cache.virtualSize = newEnd
	return nil
}

// lookupCache returns a registered cache by id.
func (s *System) lookupCache(id int32) *Cache {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	return s.caches[id]
}
