// Package vmm implements per address space translation maps on top of
// software 4-level page tables, plus the temporary physical page mappings
// used for page copies.
package vmm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"

	"gvisor.dev/gvisor/pkg/sync"
)

var (
	errUnalignedAddress  = &kernel.Error{Module: "vmm", Message: "address is not page aligned", Kind: kernel.BadValue}
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.NotAllowed}
)

// TranslationMap maps virtual pages of one address space to physical frames.
// Callers must hold the map lock (Lock/Unlock) around Map, Unmap, Query,
// Protect and VisitMappings.
type TranslationMap struct {
	*PhysicalMapper

	mu   sync.Mutex
	root *pageTable

	// mappedCount tracks the number of present leaf entries.
	mappedCount int
}

// NewTranslationMap creates an empty translation map that shares the
// physical mapping slots of pm.
func NewTranslationMap(pm *PhysicalMapper) *TranslationMap {
	return &TranslationMap{PhysicalMapper: pm, root: new(pageTable)}
}

// Lock acquires the map lock.
func (m *TranslationMap) Lock() { m.mu.Lock() }

// Unlock releases the map lock.
func (m *TranslationMap) Unlock() { m.mu.Unlock() }

// Map establishes a mapping between the virtual page containing virtAddr
// and the physical frame containing physAddr, replacing any existing entry.
// Missing page tables are allocated on the way down.
func (m *TranslationMap) Map(virtAddr, physAddr uintptr, prot mm.Protection) *kernel.Error {
	if !mm.IsAligned(virtAddr) || !mm.IsAligned(physAddr) {
		return errUnalignedAddress
	}

	var err *kernel.Error
	walk(m.root, virtAddr, true, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present.
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				m.mappedCount++
			}
			*pte = 0
			pte.SetFrame(mm.FrameFromAddress(physAddr))
			pte.SetFlags(protectionFlags(prot))
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}
		return true
	})

	return err
}

// Unmap removes every mapping in [start, end).
func (m *TranslationMap) Unmap(start, end uintptr) *kernel.Error {
	if !mm.IsAligned(start) {
		return errUnalignedAddress
	}

	visitRange(m.root, 0, 0, start, end, func(_ uintptr, pte *pageTableEntry) {
		*pte = 0
		m.mappedCount--
	})
	return nil
}

// Query returns the physical address, protection and state flags of the
// mapping for virtAddr. Unmapped addresses yield ErrInvalidMapping.
func (m *TranslationMap) Query(virtAddr uintptr) (uintptr, mm.Protection, mm.PageFlags, *kernel.Error) {
	pte := m.leaf(virtAddr)
	if pte == nil {
		return 0, 0, 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), pte.Protection(), pte.pageFlags(), nil
}

// Protect changes the protection of every mapping in [start, end). The
// accessed and dirty bits are preserved.
func (m *TranslationMap) Protect(start, end uintptr, prot mm.Protection) *kernel.Error {
	if !mm.IsAligned(start) {
		return errUnalignedAddress
	}

	newFlags := protectionFlags(prot)
	visitRange(m.root, 0, 0, start, end, func(_ uintptr, pte *pageTableEntry) {
		pte.ClearFlags(FlagUserAccessible | FlagRW | FlagNoExecute)
		pte.SetFlags(newFlags)
	})
	return nil
}

// Touch records an access to a mapped page by setting its accessed bit and,
// for writes, its dirty bit. It returns false if the page is not mapped.
func (m *TranslationMap) Touch(virtAddr uintptr, isWrite bool) bool {
	pte := m.leaf(virtAddr)
	if pte == nil {
		return false
	}

	pte.SetFlags(FlagAccessed)
	if isWrite {
		pte.SetFlags(FlagDirty)
	}
	return true
}

// VisitMappings calls visitFn with every mapped page in [start, end) in
// ascending address order.
func (m *TranslationMap) VisitMappings(start, end uintptr, visitFn func(virtAddr, physAddr uintptr, prot mm.Protection)) {
	visitRange(m.root, 0, 0, start, end, func(virtAddr uintptr, pte *pageTableEntry) {
		visitFn(virtAddr, pte.Frame().Address(), pte.Protection())
	})
}

// MappedCount returns the number of mapped pages.
func (m *TranslationMap) MappedCount() int {
	return m.mappedCount
}

// Destroy drops every page table. The map must not be used afterwards.
func (m *TranslationMap) Destroy() {
	m.root = new(pageTable)
	m.mappedCount = 0
}

func (m *TranslationMap) leaf(virtAddr uintptr) *pageTableEntry {
	var entry *pageTableEntry
	walk(m.root, virtAddr, false, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry = pte
		}
		return true
	})

	return entry
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
