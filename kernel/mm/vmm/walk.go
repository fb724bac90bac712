package vmm

// pageTable is a single level of the translation tables. Tables live on the
// Go heap; next holds the child table of every present non-leaf entry.
type pageTable struct {
	entries [entriesPerTable]pageTableEntry
	next    [entriesPerTable]*pageTable
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableIndex extracts the bits from a virtual address that correspond to the
// index in the given level's page table.
func tableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted. When alloc is
// set, missing intermediate tables are created and flagged present on the way
// down.
func walk(root *pageTable, virtAddr uintptr, alloc bool, walkFn pageTableWalker) {
	table := root
	for level := uint8(0); level < pageLevels; level++ {
		index := tableIndex(virtAddr, level)
		pte := &table.entries[index]

		if level < pageLevels-1 && !pte.HasFlags(FlagPresent) && alloc {
			table.next[index] = new(pageTable)
			*pte = 0
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		if !walkFn(level, pte) {
			return
		}

		if level < pageLevels-1 {
			if table = table.next[index]; table == nil {
				return
			}
		}
	}
}

// visitRange calls visitFn for every present leaf entry mapping an address
// in [start, end). Absent subtrees are skipped without descending.
func visitRange(table *pageTable, level uint8, tableBase, start, end uintptr, visitFn func(virtAddr uintptr, pte *pageTableEntry)) {
	span := uintptr(1) << pageLevelShifts[level]
	for index := uintptr(0); index < entriesPerTable; index++ {
		entryStart := tableBase + index*span
		entryEnd := entryStart + span
		if entryEnd <= start || entryStart >= end {
			continue
		}

		pte := &table.entries[index]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 {
			visitFn(entryStart, pte)
			continue
		}

		if child := table.next[index]; child != nil {
			visitRange(child, level+1, entryStart, start, end, visitFn)
		}
	}
}
