package pmm

import (
	"kernvm/kernel/mm"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// PageState describes what a physical page is currently used for.
type PageState uint8

// The supported page states.
const (
	StateFree PageState = iota
	StateClear
	StateActive
	StateInactive
	StateBusy
	StateModified
	StateWired
	StateUnused

	stateCount
)

var stateNames = [stateCount]string{
	"free", "clear", "active", "inactive", "busy", "modified", "wired", "unused",
}

// String implements fmt.Stringer for PageState.
func (s PageState) String() string {
	if s >= stateCount {
		return "invalid"
	}
	return stateNames[s]
}

// Page tracks a single physical page frame. State, CacheOffset and Owner are
// guarded by the lock of the cache that currently holds the page.
type Page struct {
	// Frame is the physical frame backing this page.
	Frame mm.Frame

	State PageState

	// CacheOffset is the byte offset of the page inside its cache.
	CacheOffset uintptr

	// Owner identifies the cache holding the page. The pool never
	// dereferences it.
	Owner interface{}

	// Dummy is set for placeholder pages that have no frame. They are
	// inserted into a cache to make concurrent faulters wait.
	Dummy bool

	// refCount counts the translation map entries pointing at the page.
	refCount atomicbitops.Int32
}

// NewDummyPage returns a BUSY placeholder page for the given cache offset.
func NewDummyPage(offset uintptr) *Page {
	return &Page{Frame: mm.InvalidFrame, State: StateBusy, CacheOffset: offset, Dummy: true}
}

// Address returns the physical address of the page.
func (p *Page) Address() uintptr {
	return p.Frame.Address()
}

// IncRef increments the mapping count of the page.
func (p *Page) IncRef() int32 {
	return p.refCount.Add(1)
}

// DecRef decrements the mapping count of the page.
func (p *Page) DecRef() int32 {
	return p.refCount.Add(-1)
}

// RefCount returns the number of mappings to the page.
func (p *Page) RefCount() int32 {
	return p.refCount.Load()
}

// Busy returns true if some thread is currently filling or copying the page.
func (p *Page) Busy() bool {
	return p.State == StateBusy
}
