package vmm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.BadAddress}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// protectionFlags encodes an area protection into entry flags. Only the
// distinctions the entry format can express survive: user access, write
// access and execute access.
func protectionFlags(prot mm.Protection) PageTableEntryFlag {
	flags := FlagPresent
	if prot.UserAccessible() {
		flags |= FlagUserAccessible
	}
	if prot.Writable() {
		flags |= FlagRW
	}
	if prot&(mm.ExecuteArea|mm.KernelExecuteArea) == 0 {
		flags |= FlagNoExecute
	}
	return flags
}

// Protection decodes the entry flags back into an area protection. The
// kernel can always read a present page.
func (pte pageTableEntry) Protection() mm.Protection {
	prot := mm.KernelReadArea
	if pte.HasFlags(FlagRW) {
		prot |= mm.KernelWriteArea
	}
	if !pte.HasFlags(FlagNoExecute) {
		prot |= mm.KernelExecuteArea
	}

	if pte.HasFlags(FlagUserAccessible) {
		prot |= mm.ReadArea
		if pte.HasFlags(FlagRW) {
			prot |= mm.WriteArea
		}
		if !pte.HasFlags(FlagNoExecute) {
			prot |= mm.ExecuteArea
		}
	}
	return prot
}

// pageFlags reports the presence and access bits of the entry.
func (pte pageTableEntry) pageFlags() mm.PageFlags {
	var flags mm.PageFlags
	if pte.HasFlags(FlagPresent) {
		flags |= mm.PagePresent
	}
	if pte.HasFlags(FlagAccessed) {
		flags |= mm.PageAccessed
	}
	if pte.HasFlags(FlagDirty) {
		flags |= mm.PageModified
	}
	return flags
}
