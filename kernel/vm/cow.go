package vm

import (
	"kernvm/kernel"

	"gvisor.dev/gvisor/pkg/log"
)

// copyOnWriteArea moves the areas sharing the cache of area onto a new
// anonymous cache layered above the current one. The old cache becomes the
// source of the new layer and gets a cache reference of its own. Every
// resident page of the old cache is mapped read-only so that the next write
// copies it into the new layer. The caller must hold the write lock of the
// area's address space.
func (s *System) copyOnWriteArea(area *Area) *kernel.Error {
	ref := area.cacheRef
	ref.lock.Lock()
	defer ref.lock.Unlock()

	lower := ref.cache

	store := newAnonymousStore(s, false, 0)
	upper := s.newCache(store, CacheTypeRAM)
	upper.temporary = true
	upper.scanSkip = lower.scanSkip
	upper.virtualBase = lower.virtualBase
	upper.virtualSize = lower.virtualSize

	if err := store.Commit(upper.virtualSize - upper.virtualBase); err != nil {
		s.discardCache(upper)
		return err
	}

	// The references held by the caches reading from the lower cache move
	// to its new cache reference, plus one for the source link of the
	// upper cache. The areas keep theirs on ref, which now owns the upper
	// cache.
	consumers := int32(len(lower.consumers))
	lowerRef := &CacheRef{cache: lower}
	lowerRef.refCount.Store(consumers + 1)
	ref.refCount.Add(-consumers)

	lower.addConsumer(upper)
	ref.cache = upper
	upper.ref.Store(ref)
	lower.ref.Store(lowerRef)

	log.Debugf("vm: copy-on-write: cache %d now above cache %d", upper.id, lower.id)

	for _, a := range ref.areas {
		tm := a.addressSpace.translationMap
		readOnly := a.protection.ReadOnly()

		tm.Lock()
		_ = tm.Protect(a.base, a.end(), readOnly)
		for _, offset := range lower.sortedOffsets() {
			page := lower.pages[offset]
			if page.Busy() || offset < a.cacheOffset || offset-a.cacheOffset >= a.size {
				continue
			}

			virtAddr := a.base + (offset - a.cacheOffset)
			if _, _, flags, err := tm.Query(virtAddr); err == nil && flags.Present() {
				continue
			}
			_ = s.mapPage(tm, virtAddr, page.Address(), readOnly)
		}
		tm.Unlock()
	}

	return nil
}
