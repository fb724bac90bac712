package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"
)

// maxAccessAttempts bounds the faults taken for a single page by
// ReadMemory and WriteMemory.
const maxAccessAttempts = 4

var errAccessFault = &kernel.Error{Module: "vm", Message: "page stays inaccessible after fault", Kind: kernel.PermissionDenied}

// ReadMemory copies len(buf) bytes at address, as seen by thread, into buf.
// Pages that are not mapped are faulted in as the hardware would.
func (s *System) ReadMemory(thread *Thread, address uintptr, buf []byte, isUser bool) *kernel.Error {
	return s.accessMemory(thread, address, buf, false, isUser)
}

// WriteMemory copies data to address as seen by thread, faulting pages in
// and breaking copy-on-write sharing as needed.
func (s *System) WriteMemory(thread *Thread, address uintptr, data []byte, isUser bool) *kernel.Error {
	return s.accessMemory(thread, address, data, true, isUser)
}

func (s *System) accessMemory(thread *Thread, address uintptr, buf []byte, isWrite, isUser bool) *kernel.Error {
	for len(buf) > 0 {
		pageAddr := mm.RoundDown(address)
		pageOffset := address - pageAddr
		count := int(mm.PageSize - pageOffset)
		if count > len(buf) {
			count = len(buf)
		}

		if err := s.accessPage(thread, pageAddr, pageOffset, buf[:count], isWrite, isUser); err != nil {
			return err
		}

		buf = buf[count:]
		address += uintptr(count)
	}
	return nil
}

func (s *System) accessPage(thread *Thread, pageAddr, pageOffset uintptr, buf []byte, isWrite, isUser bool) *kernel.Error {
	as, err := s.faultAddressSpace(thread, pageAddr, isUser)
	if err != nil {
		return err
	}
	defer s.putAddressSpace(as)

	tm := as.translationMap
	for attempt := 0; attempt < maxAccessAttempts; attempt++ {
		tm.Lock()
		physAddr, prot, flags, queryErr := tm.Query(pageAddr)
		if queryErr == nil && flags.Present() && accessAllowed(prot, isWrite, isUser) {
			data, err := tm.GetPhysicalPage(physAddr, true)
			if err != nil {
				tm.Unlock()
				return err
			}

			if isWrite {
				copy(data[pageOffset:], buf)
			} else {
				copy(buf, data[pageOffset:])
			}
			tm.PutPhysicalPage(data)
			tm.Touch(pageAddr, isWrite)
			tm.Unlock()
			return nil
		}
		tm.Unlock()

		if err = s.softFault(as, pageAddr, isWrite, isUser); err != nil && err != errStaleLayout {
			return err
		}
	}
	return errAccessFault
}

func accessAllowed(prot mm.Protection, isWrite, isUser bool) bool {
	if isUser && !prot.UserAccessible() {
		return false
	}
	if isWrite {
		return prot.CanWrite(isUser)
	}
	return prot.CanRead(isUser)
}
