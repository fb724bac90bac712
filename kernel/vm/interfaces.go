package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"
	"kernvm/kernel/mm/pmm"
	"kernvm/kernel/vfs"
)

// PagePool supplies physical pages.
type PagePool interface {
	// AllocatePage returns a BUSY page; zero filled if state is
	// pmm.StateClear.
	AllocatePage(state pmm.PageState) (*pmm.Page, *kernel.Error)

	// AllocatePageRun returns the first of count physically contiguous
	// BUSY pages.
	AllocatePageRun(state pmm.PageState, count uint32) (*pmm.Page, *kernel.Error)

	FreePage(page *pmm.Page) *kernel.Error
	SetState(page *pmm.Page, state pmm.PageState)

	// LookupPage returns nil for frames the pool does not manage.
	LookupPage(frame mm.Frame) *pmm.Page

	// Bytes returns the contents of a frame or nil for frames the pool
	// does not manage.
	Bytes(frame mm.Frame) []byte

	PageCount() uint32
	FreeCount() uint32
}

// TranslationMap maps the virtual pages of one address space. Map, Unmap,
// Query, Protect, Touch and VisitMappings require the map lock.
type TranslationMap interface {
	Lock()
	Unlock()

	Map(virtAddr, physAddr uintptr, prot mm.Protection) *kernel.Error

	// Unmap removes every mapping in [start, end).
	Unmap(start, end uintptr) *kernel.Error

	Query(virtAddr uintptr) (uintptr, mm.Protection, mm.PageFlags, *kernel.Error)
	Protect(start, end uintptr, prot mm.Protection) *kernel.Error
	Touch(virtAddr uintptr, isWrite bool) bool
	VisitMappings(start, end uintptr, visitFn func(virtAddr, physAddr uintptr, prot mm.Protection))
	MappedCount() int

	// GetPhysicalPage temporarily maps a physical frame for the kernel.
	// With wait unset it fails instead of blocking when no mapping slot
	// is available.
	GetPhysicalPage(physAddr uintptr, wait bool) ([]byte, *kernel.Error)
	PutPhysicalPage(data []byte)

	Destroy()
}

// Store is the backing store of a cache.
type Store interface {
	// Fault lets a store resolve faults itself. Returning an error of
	// kind kernel.NotHandled hands the fault to the generic resolver.
	Fault(as *AddressSpace, offset uintptr) *kernel.Error

	// HasPage reports whether the store can produce the page at offset.
	HasPage(offset uintptr) bool

	// Read fills buf with the store contents at offset.
	Read(offset uintptr, buf []byte) (int, *kernel.Error)

	// Commit sets the number of bytes charged against available memory.
	Commit(size uintptr) *kernel.Error
	Committed() uintptr

	Destroy()
}

// SignalSender delivers signals to teams.
type SignalSender interface {
	SendSignal(team TeamID, sig Signal) *kernel.Error
}

// FileSystem is the vnode lookup service used by MapFile.
type FileSystem = vfs.FileSystem
