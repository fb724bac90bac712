package vmm

const (
	// pageLevels indicates the number of page levels of the translation
	// tables. The layout mirrors amd64 4-level paging.
	pageLevels = 4

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 1 << 9

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-51 contain the
	// physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the entry maps a physical page.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set when this page is accessed.
	FlagAccessed

	// FlagDirty is set when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal marks mappings shared by every address space.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)
