package vm

import "kernvm/kernel"

var errNullArea = &kernel.Error{Module: "vm", Message: "null areas cannot be accessed", Kind: kernel.BadAddress}

// nullStore backs areas that only reserve address space. Every fault on
// them fails.
type nullStore struct {
	committed uintptr
}

func (st *nullStore) Fault(*AddressSpace, uintptr) *kernel.Error { return errNullArea }

func (st *nullStore) HasPage(uintptr) bool { return false }

func (st *nullStore) Read(uintptr, []byte) (int, *kernel.Error) {
	return 0, errNoBacking
}

func (st *nullStore) Commit(size uintptr) *kernel.Error {
	st.committed = size
	return nil
}

func (st *nullStore) Committed() uintptr { return st.committed }

func (st *nullStore) Destroy() {}
