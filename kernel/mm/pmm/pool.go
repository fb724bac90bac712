// Package pmm implements the physical page pool. Physical memory is a
// contiguous host arena; frame n lives at arena offset n*PageSize.
package pmm

import (
	"math/bits"

	"kernvm/kernel"
	"kernvm/kernel/mm"
	"kernvm/kernel/sync"

	"gvisor.dev/gvisor/pkg/log"
)

var (
	// allocArenaFn is used by tests to simulate arena allocation failures.
	allocArenaFn = allocArena

	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "out of physical memory", Kind: kernel.NoMemory}
	errNoContiguous = &kernel.Error{Module: "pmm", Message: "no contiguous page run of the requested size", Kind: kernel.NoMemory}
	errInvalidCount = &kernel.Error{Module: "pmm", Message: "page count must be greater than zero", Kind: kernel.BadValue}
	errInvalidState = &kernel.Error{Module: "pmm", Message: "pages cannot be allocated in the free state", Kind: kernel.BadValue}
	errDoubleFree   = &kernel.Error{Module: "pmm", Message: "page is already free", Kind: kernel.BadValue}
	errForeignPage  = &kernel.Error{Module: "pmm", Message: "page does not belong to this pool", Kind: kernel.BadValue}
)

// Pool is a physical page allocator that tracks free frames with a bitmap.
// A set bit marks a frame as reserved.
type Pool struct {
	lock sync.Spinlock

	arena   []byte
	release func() *kernel.Error

	pages []Page

	// freeBitmap tracks used/free frames. Frame i maps to bit
	// (63 - i%64) of block i/64.
	freeBitmap []uint64
	freeCount  uint32

	stateCounts [stateCount]uint32
}

// NewPool creates a pool with pageCount frames.
func NewPool(pageCount uint32) (*Pool, *kernel.Error) {
	if pageCount == 0 {
		return nil, errInvalidCount
	}

	arena, release, err := allocArenaFn(uintptr(pageCount) << mm.PageShift)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		arena:      arena,
		release:    release,
		pages:      make([]Page, pageCount),
		freeBitmap: make([]uint64, (pageCount+63)>>6),
		freeCount:  pageCount,
	}
	for i := range p.pages {
		p.pages[i].Frame = mm.Frame(i)
	}
	p.stateCounts[StateFree] = pageCount

	log.Infof("pmm: pool of %d pages (%d KiB) ready", pageCount, (uintptr(pageCount)<<mm.PageShift)>>10)
	return p, nil
}

// Close releases the host memory backing the pool.
func (p *Pool) Close() *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.release == nil {
		return nil
	}
	err := p.release()
	p.release, p.arena = nil, nil
	return err
}

// PageCount returns the total number of frames managed by the pool.
func (p *Pool) PageCount() uint32 {
	return uint32(len(p.pages))
}

// FreeCount returns the number of unallocated frames.
func (p *Pool) FreeCount() uint32 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.freeCount
}

// StateCount returns the number of pages currently in the given state.
func (p *Pool) StateCount(state PageState) uint32 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.stateCounts[state]
}

func (p *Pool) markFrame(frame mm.Frame, reserved bool) {
	block, mask := frame>>6, uint64(1)<<(63-(frame&63))
	if reserved {
		p.freeBitmap[block] |= mask
		p.freeCount--
		return
	}
	p.freeBitmap[block] &^= mask
	p.freeCount++
}

func (p *Pool) frameReserved(frame mm.Frame) bool {
	return p.freeBitmap[frame>>6]&(uint64(1)<<(63-(frame&63))) != 0
}

func (p *Pool) setStateLocked(page *Page, state PageState) {
	p.stateCounts[page.State]--
	page.State = state
	p.stateCounts[state]++
}

// AllocatePage reserves a single frame. Requesting StateClear returns a
// zeroed page. The page is handed out BUSY; callers move it to its final
// state with SetState once it is published.
func (p *Pool) AllocatePage(state PageState) (*Page, *kernel.Error) {
	if state == StateFree {
		return nil, errInvalidState
	}

	p.lock.Acquire()
	if p.freeCount == 0 {
		p.lock.Release()
		return nil, errOutOfMemory
	}

	var page *Page
	for block, bitmap := range p.freeBitmap {
		if bitmap == ^uint64(0) {
			continue
		}

		frame := mm.Frame(block<<6 + bits.LeadingZeros64(^bitmap))
		if int(frame) >= len(p.pages) {
			break
		}
		p.markFrame(frame, true)
		page = &p.pages[frame]
		p.setStateLocked(page, StateBusy)
		break
	}
	p.lock.Release()

	if page == nil {
		return nil, errOutOfMemory
	}

	page.CacheOffset, page.Owner = 0, nil
	if state == StateClear {
		p.zero(page.Frame)
	}
	return page, nil
}

// AllocatePageRun reserves count physically contiguous frames and returns
// the first one. All pages are handed out BUSY; zeroed if state is
// StateClear.
func (p *Pool) AllocatePageRun(state PageState, count uint32) (*Page, *kernel.Error) {
	if count == 0 {
		return nil, errInvalidCount
	}
	if state == StateFree {
		return nil, errInvalidState
	}

	p.lock.Acquire()
	start, run := -1, uint32(0)
	for frame := range p.pages {
		if p.frameReserved(mm.Frame(frame)) {
			run = 0
			continue
		}
		if run == 0 {
			start = frame
		}
		if run++; run == count {
			break
		}
	}

	if run < count {
		p.lock.Release()
		return nil, errNoContiguous
	}

	for frame := start; frame < start+int(count); frame++ {
		p.markFrame(mm.Frame(frame), true)
		p.setStateLocked(&p.pages[frame], StateBusy)
	}
	p.lock.Release()

	for frame := start; frame < start+int(count); frame++ {
		p.pages[frame].CacheOffset, p.pages[frame].Owner = 0, nil
		if state == StateClear {
			p.zero(mm.Frame(frame))
		}
	}
	return &p.pages[start], nil
}

// FreePage returns a page to the pool.
func (p *Pool) FreePage(page *Page) *kernel.Error {
	if !p.owns(page) {
		return errForeignPage
	}

	p.lock.Acquire()
	defer p.lock.Release()

	if !p.frameReserved(page.Frame) {
		return errDoubleFree
	}
	p.markFrame(page.Frame, false)
	p.setStateLocked(page, StateFree)
	page.Owner = nil
	page.refCount.Store(0)
	return nil
}

// SetState moves an allocated page to a new state.
func (p *Pool) SetState(page *Page, state PageState) {
	if page.Dummy || !p.owns(page) {
		page.State = state
		return
	}

	p.lock.Acquire()
	p.setStateLocked(page, state)
	p.lock.Release()
}

// LookupPage returns the page tracking the given frame or nil if the frame
// lies outside the pool.
func (p *Pool) LookupPage(frame mm.Frame) *Page {
	if uintptr(frame) >= uintptr(len(p.pages)) {
		return nil
	}
	return &p.pages[frame]
}

// Bytes returns the contents of a frame or nil if it lies outside the pool.
func (p *Pool) Bytes(frame mm.Frame) []byte {
	if uintptr(frame) >= uintptr(len(p.pages)) || p.arena == nil {
		return nil
	}
	offset := frame.Address()
	return p.arena[offset : offset+mm.PageSize : offset+mm.PageSize]
}

func (p *Pool) owns(page *Page) bool {
	return page != nil && !page.Dummy && uintptr(page.Frame) < uintptr(len(p.pages)) && &p.pages[page.Frame] == page
}

func (p *Pool) zero(frame mm.Frame) {
	mm.Memset(p.Bytes(frame), 0)
}
