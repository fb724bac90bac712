package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"

	"gvisor.dev/gvisor/pkg/sync"
)

var (
	errNotHandled = &kernel.Error{Module: "vm", Message: "fault not handled by store", Kind: kernel.NotHandled}
	errNoBacking  = &kernel.Error{Module: "vm", Message: "store has no backing data", Kind: kernel.BadValue}
)

// stackPrecommitPages is the number of pages committed up front for
// overcommitting stores.
const stackPrecommitPages = 4

// anonymousStore backs RAM caches without swap. Overcommitting stores only
// charge a few pages up front and the remaining pages as they are faulted
// in.
type anonymousStore struct {
	sys *System

	mu                sync.Mutex
	canOvercommit     bool
	hasPrecommitted   bool
	precommittedPages uint32
	committedSize     uintptr

	// charged records the offsets an overcommitting store has paid for.
	charged map[uintptr]struct{}
}

func newAnonymousStore(sys *System, canOvercommit bool, precommittedPages uint32) *anonymousStore {
	store := &anonymousStore{
		sys:               sys,
		canOvercommit:     canOvercommit,
		precommittedPages: precommittedPages,
	}
	if canOvercommit {
		store.charged = make(map[uintptr]struct{})
	}
	return store
}

func (st *anonymousStore) Fault(_ *AddressSpace, offset uintptr) *kernel.Error {
	if !st.canOvercommit {
		return errNotHandled
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.charged[offset]; ok {
		return errNotHandled
	}

	if st.precommittedPages == 0 {
		if !st.sys.tryReserveMemory(mm.PageSize) {
			return errNoCommitment
		}
		st.committedSize += mm.PageSize
	} else {
		st.precommittedPages--
	}
	st.charged[offset] = struct{}{}
	return errNotHandled
}

func (st *anonymousStore) HasPage(uintptr) bool { return false }

func (st *anonymousStore) Read(uintptr, []byte) (int, *kernel.Error) {
	return 0, errNoBacking
}

func (st *anonymousStore) Commit(size uintptr) *kernel.Error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.canOvercommit {
		if st.hasPrecommitted {
			return nil
		}

		// Commit a few pages so that the first faults are unlikely to
		// fail.
		st.hasPrecommitted = true
		if precommitted := uintptr(st.precommittedPages) << mm.PageShift; size > precommitted {
			size = precommitted
		}
	}

	switch {
	case size > st.committedSize:
		if !st.sys.tryReserveMemory(size - st.committedSize) {
			return errNoCommitment
		}
	case size < st.committedSize:
		st.sys.unreserveMemory(st.committedSize - size)
	}

	st.committedSize = size
	return nil
}

func (st *anonymousStore) Committed() uintptr {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.committedSize
}

func (st *anonymousStore) Destroy() {
	st.mu.Lock()
	st.sys.unreserveMemory(st.committedSize)
	st.committedSize = 0
	st.mu.Unlock()
}
