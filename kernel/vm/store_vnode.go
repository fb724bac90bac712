package vm

import (
	"io"

	"kernvm/kernel"
	"kernvm/kernel/mm"
	"kernvm/kernel/vfs"
)

var errVnodeRead = &kernel.Error{Module: "vm", Message: "vnode read failed", Kind: kernel.General}

// vnodeStore backs a cache with the contents of a file. All mappings of a
// vnode share a single cache.
type vnodeStore struct {
	sys       *System
	vnode     vfs.Vnode
	cache     *Cache
	committed uintptr
}

func (st *vnodeStore) Fault(*AddressSpace, uintptr) *kernel.Error { return errNotHandled }

func (st *vnodeStore) HasPage(offset uintptr) bool {
	return int64(offset) < st.vnode.Size()
}

// Read fills buf with file data at offset. The part of buf past the end of
// the file is zeroed.
func (st *vnodeStore) Read(offset uintptr, buf []byte) (int, *kernel.Error) {
	n, err := st.vnode.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return n, &kernel.Error{Module: errVnodeRead.Module, Message: errVnodeRead.Message + ": " + err.Error(), Kind: errVnodeRead.Kind}
	}

	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return n, nil
}

func (st *vnodeStore) Commit(size uintptr) *kernel.Error {
	st.committed = size
	return nil
}

func (st *vnodeStore) Committed() uintptr { return st.committed }

func (st *vnodeStore) Destroy() {
	st.sys.vnodeLock.Lock()
	if st.sys.vnodeCaches[st.vnode] == st.cache {
		delete(st.sys.vnodeCaches, st.vnode)
	}
	st.sys.vnodeLock.Unlock()
}

// vnodeCacheRef returns the cache reference of the shared vnode cache with
// a reference for the caller, creating the cache on first use.
func (s *System) vnodeCacheRef(vnode vfs.Vnode) *CacheRef {
	// References picked up while the cache moved are dropped once the
	// vnode table is unlocked; dropping them may destroy a vnode store.
	var stale []*CacheRef
	defer func() {
		for _, ref := range stale {
			s.releaseCacheRef(ref)
		}
	}()

	s.vnodeLock.Lock()
	defer s.vnodeLock.Unlock()

	if cache := s.vnodeCaches[vnode]; cache != nil {
		for {
			ref := cache.ref.Load()
			if !ref.tryAcquire() {
				break
			}
			if cache.ref.Load() == ref {
				return ref
			}
			stale = append(stale, ref)
		}
	}

	store := &vnodeStore{sys: s, vnode: vnode}
	cache := s.newCache(store, CacheTypeVnode)
	store.cache = cache
	cache.virtualSize, _ = mm.RoundUp(uintptr(vnode.Size()))
	s.vnodeCaches[vnode] = cache
	return cache.ref.Load()
}
