package pmm

import (
	"fmt"
	"testing"

	"kernvm/kernel"
	"kernvm/kernel/mm"
)

func TestNewPool(t *testing.T) {
	if _, err := NewPool(0); err != errInvalidCount {
		t.Fatalf("expected errInvalidCount; got %v", err)
	}

	defer func(orig func(uintptr) ([]byte, func() *kernel.Error, *kernel.Error)) {
		allocArenaFn = orig
	}(allocArenaFn)

	expErr := &kernel.Error{Module: "test", Message: "arena failed", Kind: kernel.NoMemory}
	allocArenaFn = func(_ uintptr) ([]byte, func() *kernel.Error, *kernel.Error) {
		return nil, nil, expErr
	}

	if _, err := NewPool(4); err != expErr {
		t.Fatalf("expected arena error to be propagated; got %v", err)
	}
}

func TestAllocateAndFree(t *testing.T) {
	pool, err := NewPool(130)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = pool.Close() }()

	if _, err = pool.AllocatePage(StateFree); err != errInvalidState {
		t.Fatalf("expected errInvalidState; got %v", err)
	}

	var pages []*Page
	for i := 0; i < 130; i++ {
		page, err := pool.AllocatePage(StateActive)
		if err != nil {
			t.Fatalf("[page %d] unexpected error: %v", i, err)
		}

		if exp := mm.Frame(i); page.Frame != exp {
			t.Fatalf("[page %d] expected frame %d; got %d", i, exp, page.Frame)
		}

		if page.State != StateBusy {
			t.Fatalf("[page %d] expected page to be handed out busy; got %s", i, page.State)
		}
		pages = append(pages, page)
	}

	if _, err = pool.AllocatePage(StateActive); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}

	if got := pool.FreeCount(); got != 0 {
		t.Fatalf("expected free count 0; got %d", got)
	}

	if err = pool.FreePage(pages[64]); err != nil {
		t.Fatal(err)
	}

	if err = pool.FreePage(pages[64]); err != errDoubleFree {
		t.Fatalf("expected errDoubleFree; got %v", err)
	}

	if err = pool.FreePage(NewDummyPage(0)); err != errForeignPage {
		t.Fatalf("expected errForeignPage; got %v", err)
	}

	page, err := pool.AllocatePage(StateActive)
	if err != nil {
		t.Fatal(err)
	}

	if page.Frame != 64 {
		t.Fatalf("expected freed frame 64 to be reused; got %d", page.Frame)
	}

	if got := pool.StateCount(StateBusy); got != 130 {
		t.Fatalf("expected 130 busy pages; got %d", got)
	}

	pool.SetState(page, StateActive)
	if got := pool.StateCount(StateActive); got != 1 {
		t.Fatalf("expected 1 active page; got %d", got)
	}
}

func TestAllocateClearPage(t *testing.T) {
	pool, err := NewPool(2)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = pool.Close() }()

	page, _ := pool.AllocatePage(StateActive)
	data := pool.Bytes(page.Frame)
	for i := range data {
		data[i] = 0xaa
	}
	_ = pool.FreePage(page)

	page, _ = pool.AllocatePage(StateClear)
	for i, b := range pool.Bytes(page.Frame) {
		if b != 0 {
			t.Fatalf("expected byte %d of a clear page to be zero; got %x", i, b)
		}
	}
}

func TestAllocatePageRun(t *testing.T) {
	pool, err := NewPool(8)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = pool.Close() }()

	// Fragment the pool: frames 0 and 3 in use.
	var held []*Page
	for i := 0; i < 4; i++ {
		page, _ := pool.AllocatePage(StateActive)
		held = append(held, page)
	}
	_ = pool.FreePage(held[1])
	_ = pool.FreePage(held[2])

	specs := []struct {
		count    uint32
		expFrame mm.Frame
		expErr   *kernel.Error
	}{
		{0, 0, errInvalidCount},
		{5, 0, errNoContiguous},
		{3, 4, nil},
		{2, 1, nil},
		{1, 7, nil},
		{1, 0, errNoContiguous},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			first, err := pool.AllocatePageRun(StateWired, spec.count)
			if err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
			if err != nil {
				return
			}

			if first.Frame != spec.expFrame {
				t.Fatalf("expected run to start at frame %d; got %d", spec.expFrame, first.Frame)
			}

			for i := uint32(0); i < spec.count; i++ {
				if got := pool.LookupPage(first.Frame + mm.Frame(i)); got.State != StateBusy {
					t.Fatalf("expected page %d of the run to be busy; got %s", i, got.State)
				}
			}
		})
	}
}

func TestLookupAndBytes(t *testing.T) {
	pool, err := NewPool(2)
	if err != nil {
		t.Fatal(err)
	}

	if pool.LookupPage(2) != nil || pool.Bytes(2) != nil {
		t.Fatal("expected out of range frame lookups to return nil")
	}

	if got := pool.LookupPage(1); got == nil || got.Frame != 1 {
		t.Fatalf("unexpected page for frame 1: %v", got)
	}

	if got := len(pool.Bytes(1)); got != int(mm.PageSize) {
		t.Fatalf("expected frame contents to be %d bytes; got %d", mm.PageSize, got)
	}

	if err = pool.Close(); err != nil {
		t.Fatal(err)
	}

	if pool.Bytes(0) != nil {
		t.Fatal("expected Bytes to return nil after Close")
	}
}

func TestPageRefCount(t *testing.T) {
	page := NewDummyPage(mm.PageSize)
	if !page.Busy() || !page.Dummy {
		t.Fatal("expected dummy page to be busy")
	}

	page.IncRef()
	page.IncRef()
	if got := page.DecRef(); got != 1 {
		t.Fatalf("expected ref count 1; got %d", got)
	}

	if got := PageState(42).String(); got != "invalid" {
		t.Fatalf("unexpected state name %q", got)
	}

	if got := StateWired.String(); got != "wired" {
		t.Fatalf("unexpected state name %q", got)
	}
}
