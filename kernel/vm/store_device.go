package vm

import (
	"kernvm/kernel"

	"golang.org/x/exp/slices"
)

// deviceStore backs a cache with a fixed physical range. Its pages are never
// resident in the cache; faults map the physical page directly.
type deviceStore struct {
	sys         *System
	baseAddress uintptr
	cache       *Cache
	committed   uintptr
}

// Fault maps the physical page at offset into every area of as that maps the
// store, skipping areas where the page is already present.
func (st *deviceStore) Fault(as *AddressSpace, offset uintptr) *kernel.Error {
	ref := lockCache(st.cache)
	areas := slices.Clone(ref.areas)
	ref.lock.Unlock()

	as.lock.RLock()
	defer as.lock.RUnlock()

	tm := as.translationMap
	tm.Lock()
	defer tm.Unlock()

	for _, area := range areas {
		if area.addressSpace != as || offset < area.cacheOffset || offset-area.cacheOffset >= area.size {
			continue
		}

		virtAddr := area.base + (offset - area.cacheOffset)
		if _, _, flags, err := tm.Query(virtAddr); err == nil && flags.Present() {
			continue
		}

		if err := st.sys.mapPage(tm, virtAddr, st.baseAddress+offset, area.protection); err != nil {
			return err
		}
	}
	return nil
}

func (st *deviceStore) HasPage(uintptr) bool { return false }

func (st *deviceStore) Read(uintptr, []byte) (int, *kernel.Error) {
	return 0, errNoBacking
}

func (st *deviceStore) Commit(size uintptr) *kernel.Error {
	st.committed = size
	return nil
}

func (st *deviceStore) Committed() uintptr { return st.committed }

func (st *deviceStore) Destroy() {}
