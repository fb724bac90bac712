package vm

import (
	"testing"

	"kernvm/kernel"
	"kernvm/kernel/mm"
	"kernvm/kernel/mm/pmm"
)

func TestCloneAreaAtSourceAddress(t *testing.T) {
	s := newTestSystem(t)
	if _, err := s.CreateAddressSpace(otherTeam); err != nil {
		t.Fatal(err)
	}

	srcID, srcBase := mustCreateArea(t, s, testTeam, 2*mm.PageSize, NoLock, userRW)
	writeString(t, s, testTeam, srcBase+mm.PageSize, "before")

	cloneID, cloneBase, err := s.CloneArea(otherTeam, "clone", 0, CloneAddress, userRW, NoPrivateMap, srcID)
	if err != nil {
		t.Fatal(err)
	}
	if cloneBase != srcBase {
		t.Fatalf("expected the clone at %#x; got %#x", srcBase, cloneBase)
	}

	// Shared clones see each other's writes.
	if got := readString(t, s, otherTeam, cloneBase+mm.PageSize, 6); got != "before" {
		t.Errorf("expected %q through the clone; got %q", "before", got)
	}
	writeString(t, s, otherTeam, cloneBase, "after")
	if got := readString(t, s, testTeam, srcBase, 5); got != "after" {
		t.Errorf("expected %q through the source; got %q", "after", got)
	}

	// The source address is taken in its own space.
	_, _, err = s.CloneArea(testTeam, "clash", 0, CloneAddress, userRW, NoPrivateMap, srcID)
	expectKind(t, err, kernel.BadValue)

	if _, _, err = s.CloneArea(testTeam, "none", 0, AnyAddress, userRW, NoPrivateMap, 999); err != errNoSuchArea {
		t.Errorf("expected errNoSuchArea; got %v", err)
	}
	if _, _, err = s.CloneArea(42, "none", 0, AnyAddress, userRW, NoPrivateMap, srcID); err != errNoSuchTeam {
		t.Errorf("expected errNoSuchTeam; got %v", err)
	}

	info, err := s.GetAreaInfo(cloneID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Team != otherTeam || info.Address != srcBase || info.Size != 2*mm.PageSize {
		t.Errorf("unexpected clone info %+v", info)
	}
	if info.RAMSize != 2*mm.PageSize {
		t.Errorf("expected the shared cache to hold 2 pages; got %#x bytes", info.RAMSize)
	}
}

func TestCloneFullLockArea(t *testing.T) {
	s := newTestSystem(t)
	as := s.testSpace(t, testTeam)

	srcID, srcBase := mustCreateArea(t, s, testTeam, 2*mm.PageSize, FullLock, userRW)

	_, cloneBase, err := s.CloneArea(testTeam, "private", 0, AnyAddress, userRW, PrivateMap, srcID)
	if err != nil {
		t.Fatal(err)
	}

	for i := uintptr(0); i < 2; i++ {
		srcPhys, _, _ := queryMapping(as, srcBase+i*mm.PageSize)
		clonePhys, prot, ok := queryMapping(as, cloneBase+i*mm.PageSize)
		if !ok || clonePhys != srcPhys {
			t.Errorf("expected page %d of the clone to map the source page", i)
		}
		if prot.CanWrite(true) {
			t.Errorf("expected page %d of the private clone to be write protected", i)
		}
		if _, prot, _ = queryMapping(as, srcBase+i*mm.PageSize); prot.CanWrite(true) {
			t.Errorf("expected page %d of the source to be write protected", i)
		}
	}
}

func TestContiguousArea(t *testing.T) {
	s := newTestSystem(t)
	as := s.testSpace(t, testTeam)
	freeBefore := s.pool.FreeCount()

	id, base := mustCreateArea(t, s, testTeam, 4*mm.PageSize, Contiguous, userRW)

	first, _, ok := queryMapping(as, base)
	if !ok {
		t.Fatal("expected the first page to be mapped")
	}
	for i := uintptr(1); i < 4; i++ {
		physAddr, _, ok := queryMapping(as, base+i*mm.PageSize)
		if !ok || physAddr != first+i*mm.PageSize {
			t.Errorf("expected page %d to map %#x; got %#x", i, first+i*mm.PageSize, physAddr)
		}
		if page := s.pool.LookupPage(mm.FrameFromAddress(physAddr)); page == nil || page.State != pmm.StateWired {
			t.Errorf("expected page %d to be wired", i)
		}
	}

	if err := s.DeleteArea(testTeam, id); err != nil {
		t.Fatal(err)
	}
	if got := s.pool.FreeCount(); got != freeBefore {
		t.Errorf("expected %d free pages; got %d", freeBefore, got)
	}

	_, _, err := s.CreateAnonymousArea(testTeam, "huge", 0, AnyAddress, 2*testPageCount*mm.PageSize, Contiguous, userRW)
	expectKind(t, err, kernel.NoMemory)
}

func TestAlreadyWiredArea(t *testing.T) {
	s := newTestSystem(t)
	as := s.KernelAddressSpace()
	kernelBase := DefaultConfig().KernelBase

	page, err := s.pool.AllocatePage(pmm.StateClear)
	if err != nil {
		t.Fatal(err)
	}

	tm := as.translationMap
	tm.Lock()
	err = s.mapPage(tm, kernelBase+mm.PageSize, page.Address(), mm.KernelReadArea|mm.KernelWriteArea)
	tm.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	id, base, err := s.CreateAnonymousArea(KernelTeamID, "boot", kernelBase, ExactAddress, 2*mm.PageSize, AlreadyWired, mm.KernelReadArea|mm.KernelWriteArea)
	if err != nil {
		t.Fatal(err)
	}
	if base != kernelBase {
		t.Fatalf("expected the area at %#x; got %#x", kernelBase, base)
	}

	if got := residentPages(t, s, id); got != 1 {
		t.Fatalf("expected the mapped page to be adopted; got %d resident pages", got)
	}
	if page.State != pmm.StateWired || page.Owner == nil || page.CacheOffset != mm.PageSize {
		t.Errorf("unexpected adopted page %+v", page)
	}
}

func TestCreateAnonymousAreaErrors(t *testing.T) {
	s := newTestSystem(t)

	specs := []struct {
		team   TeamID
		spec   AddressSpec
		size   uintptr
		wiring Wiring
		expErr *kernel.Error
	}{
		{otherTeam, AnyAddress, mm.PageSize, NoLock, errNoSuchTeam},
		{testTeam, CloneAddress, mm.PageSize, NoLock, errInvalidSpec},
		{testTeam, AnyAddress, mm.PageSize, Wiring(99), errInvalidWiring},
		{testTeam, AnyAddress, ^uintptr(0), NoLock, errInvalidSize},
		{testTeam, AnyAddress, 0, NoLock, errOutsideSpace},
		{testTeam, AnyAddress, 2 * testPageCount * mm.PageSize, NoLock, errNoCommitment},
	}

	for specIndex, spec := range specs {
		if _, _, err := s.CreateAnonymousArea(spec.team, "bad", 0, spec.spec, spec.size, spec.wiring, userRW); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if exp, got := int64(testPageCount)<<mm.PageShift, s.AvailableMemory(); got != exp {
		t.Errorf("expected failed creations to release their commitment; available %d, want %d", got, exp)
	}
	if len(s.caches) != 0 {
		t.Errorf("expected no cache to survive; got %d", len(s.caches))
	}
}

func TestStackAreaOvercommits(t *testing.T) {
	s := newTestSystem(t)
	total := int64(testPageCount) << mm.PageShift

	_, base := mustCreateArea(t, s, testTeam, 16*mm.PageSize, NoLock, userRW|mm.StackArea)
	if exp, got := total-int64(stackPrecommitPages)<<mm.PageShift, s.AvailableMemory(); got != exp {
		t.Fatalf("expected only the precommitted pages to be charged; available %d, want %d", got, exp)
	}

	for i := uintptr(0); i < stackPrecommitPages+2; i++ {
		writeString(t, s, testTeam, base+i*mm.PageSize, "s")
	}
	// Faulting the same page again is free.
	writeString(t, s, testTeam, base, "t")

	if exp, got := total-int64(stackPrecommitPages+2)<<mm.PageShift, s.AvailableMemory(); got != exp {
		t.Errorf("expected faults past the precommitted pages to be charged; available %d, want %d", got, exp)
	}
}

func TestDeleteArea(t *testing.T) {
	s := newTestSystem(t)
	if _, err := s.CreateAddressSpace(otherTeam); err != nil {
		t.Fatal(err)
	}

	id, _ := mustCreateArea(t, s, testTeam, mm.PageSize, FullLock, userRW)

	if err := s.DeleteArea(otherTeam, id); err != errForeignArea {
		t.Errorf("expected errForeignArea; got %v", err)
	}
	if err := s.DeleteArea(testTeam, id); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteArea(testTeam, id); err != errNoSuchArea {
		t.Errorf("expected errNoSuchArea; got %v", err)
	}

	as := s.testSpace(t, testTeam)
	if exp, got := int32(1), as.refCount.Load(); got != exp {
		t.Errorf("expected the areas to drop their address space references; got %d", got)
	}
}

func TestResizeArea(t *testing.T) {
	s := newTestSystem(t)
	as := s.testSpace(t, testTeam)
	ps := mm.PageSize
	freeBefore := s.pool.FreeCount()

	id, base := mustCreateArea(t, s, testTeam, 2*ps, NoLock, userRW)
	writeString(t, s, testTeam, base, "a")
	writeString(t, s, testTeam, base+ps, "b")

	// shrink
	if err := s.ResizeArea(testTeam, id, ps); err != nil {
		t.Fatal(err)
	}
	if exp, got := freeBefore-1, s.pool.FreeCount(); got != exp {
		t.Errorf("expected the page past the new end to be freed; %d free, want %d", got, exp)
	}
	if _, _, ok := queryMapping(as, base+ps); ok {
		t.Error("expected the page past the new end to be unmapped")
	}
	expectKind(t, s.SoftFault(userThread(testTeam), base+ps, false, true), kernel.BadAddress)

	// grow into free space
	if err := s.ResizeArea(testTeam, id, 3*ps); err != nil {
		t.Fatal(err)
	}
	if got := readString(t, s, testTeam, base+2*ps, 1); got != "\x00" {
		t.Errorf("expected grown memory to read as zero; got %q", got)
	}
	if got := readString(t, s, testTeam, base, 1); got != "a" {
		t.Errorf("expected the first page to survive; got %q", got)
	}

	// grow into another area
	_, _, err := s.CreateAnonymousArea(testTeam, "next", base+4*ps, ExactAddress, ps, NoLock, userRW)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ResizeArea(testTeam, id, 5*ps); err != errNoRoomToGrow {
		t.Errorf("expected errNoRoomToGrow; got %v", err)
	}

	if err := s.ResizeArea(testTeam, id, ps+1); err != errUnalignedRange {
		t.Errorf("expected errUnalignedRange; got %v", err)
	}

	fileSys, _ := newFileTestSystem(t)
	fileID, _, err := fileSys.MapFile(testTeam, "file", 0, AnyAddress, ps, mm.ReadArea, NoPrivateMap, "/bin/app", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err = fileSys.ResizeArea(testTeam, fileID, 2*ps); err != errNotResizable {
		t.Errorf("expected errNotResizable; got %v", err)
	}

	nullID, _, err := s.CreateNullArea(testTeam, "null", 0, AnyAddress, 2*ps)
	if err != nil {
		t.Fatal(err)
	}
	for _, size := range []uintptr{ps, 4 * ps} {
		if err = s.ResizeArea(testTeam, nullID, size); err != errNotResizable {
			t.Errorf("expected resizing a null area to %#x to fail with errNotResizable; got %v", size, err)
		}
	}
}

func TestResizeAreaWithPrivateReaders(t *testing.T) {
	s := newTestSystem(t)
	ps := mm.PageSize

	t.Run("read-only source", func(t *testing.T) {
		srcID, srcBase := mustCreateArea(t, s, testTeam, 2*ps, NoLock, userRW)
		writeString(t, s, testTeam, srcBase+ps, "b")
		if err := s.SetAreaProtection(testTeam, srcID, mm.ReadArea); err != nil {
			t.Fatal(err)
		}

		cloneID, cloneBase, err := s.CloneArea(testTeam, "reader", 0, AnyAddress, mm.ReadArea, PrivateMap, srcID)
		if err != nil {
			t.Fatal(err)
		}
		readString(t, s, testTeam, cloneBase+ps, 1)

		expectKind(t, s.ResizeArea(testTeam, srcID, ps), kernel.NotAllowed)
		if got := readString(t, s, testTeam, cloneBase+ps, 1); got != "b" {
			t.Errorf("expected the clone to keep reading the source page; got %q", got)
		}

		if err = s.DeleteArea(testTeam, cloneID); err != nil {
			t.Fatal(err)
		}
		if err = s.ResizeArea(testTeam, srcID, ps); err != nil {
			t.Errorf("expected the shrink to succeed once the reader is gone; got %v", err)
		}
	})

	t.Run("writable source", func(t *testing.T) {
		srcID, srcBase := mustCreateArea(t, s, testTeam, 2*ps, NoLock, userRW)
		writeString(t, s, testTeam, srcBase+ps, "b")

		_, cloneBase, err := s.CloneArea(testTeam, "reader", 0, AnyAddress, mm.ReadArea, PrivateMap, srcID)
		if err != nil {
			t.Fatal(err)
		}
		readString(t, s, testTeam, cloneBase+ps, 1)

		// The source sits on its own layer, so the shared page stays put.
		freeBefore := s.pool.FreeCount()
		if err = s.ResizeArea(testTeam, srcID, ps); err != nil {
			t.Fatal(err)
		}
		if got := s.pool.FreeCount(); got != freeBefore {
			t.Errorf("expected no page to be freed; %d free, want %d", got, freeBefore)
		}
		if got := readString(t, s, testTeam, cloneBase+ps, 1); got != "b" {
			t.Errorf("expected the clone to keep reading the shared page; got %q", got)
		}
	})
}

func TestResizeAreaIntoReservation(t *testing.T) {
	s := newTestSystem(t)
	as := s.testSpace(t, testTeam)
	ub, ps := DefaultConfig().UserBase, mm.PageSize

	if _, err := s.ReserveAddressRange(testTeam, ub+8*ps, ExactAddress, 8*ps, 0); err != nil {
		t.Fatal(err)
	}
	id, _, err := s.CreateAnonymousArea(testTeam, "heap", ub+8*ps, ExactAddress, 2*ps, NoLock, userRW)
	if err != nil {
		t.Fatal(err)
	}

	if err = s.ResizeArea(testTeam, id, 4*ps); err != nil {
		t.Fatal(err)
	}
	checkAreaList(t, as)

	as.lock.RLock()
	reserved := as.areas[as.indexOf(areaByID(t, s, id))+1]
	as.lock.RUnlock()
	if reserved.id != ReservedAreaID || reserved.base != ub+12*ps || reserved.size != 4*ps {
		t.Errorf("expected the reservation to shrink to %#x-%#x; got %#x-%#x", ub+12*ps, ub+16*ps, reserved.base, reserved.end())
	}

	// Growing over the whole reservation consumes it.
	if err = s.ResizeArea(testTeam, id, 8*ps); err != nil {
		t.Fatal(err)
	}
	if exp, got := 1, as.AreaCount(); got != exp {
		t.Errorf("expected the reservation to be consumed; %d areas left", got)
	}

	// A reservation placed after the area cannot be grown into.
	if _, err = s.ReserveAddressRange(testTeam, ub+16*ps, ExactAddress, 4*ps, 0); err != nil {
		t.Fatal(err)
	}
	if err = s.ResizeArea(testTeam, id, 10*ps); err != errNoRoomToGrow {
		t.Errorf("expected errNoRoomToGrow; got %v", err)
	}
}

func TestResizeSharedArea(t *testing.T) {
	s := newTestSystem(t)
	if _, err := s.CreateAddressSpace(otherTeam); err != nil {
		t.Fatal(err)
	}

	id, _ := mustCreateArea(t, s, testTeam, 2*mm.PageSize, NoLock, userRW)
	cloneID, _, err := s.CloneArea(otherTeam, "clone", 0, AnyAddress, userRW, NoPrivateMap, id)
	if err != nil {
		t.Fatal(err)
	}

	if err = s.ResizeArea(testTeam, id, 4*mm.PageSize); err != nil {
		t.Fatal(err)
	}

	info, err := s.GetAreaInfo(cloneID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 4*mm.PageSize {
		t.Errorf("expected the clone to be resized along with its source; got %#x", info.Size)
	}
}

func TestTransferArea(t *testing.T) {
	s := newTestSystem(t)
	if _, err := s.CreateAddressSpace(otherTeam); err != nil {
		t.Fatal(err)
	}

	id, base := mustCreateArea(t, s, testTeam, mm.PageSize, NoLock, userRW)
	writeString(t, s, testTeam, base, "moving")

	newID, newBase, err := s.TransferArea(id, base, ExactAddress, otherTeam)
	if err != nil {
		t.Fatal(err)
	}
	if newBase != base {
		t.Errorf("expected the area at %#x; got %#x", base, newBase)
	}

	if _, err = s.GetAreaInfo(id); err != errNoSuchArea {
		t.Errorf("expected the original area to be gone; got %v", err)
	}
	info, err := s.GetAreaInfo(newID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Team != otherTeam || info.Name != "test" {
		t.Errorf("unexpected transferred area info %+v", info)
	}
	if got := readString(t, s, otherTeam, newBase, 6); got != "moving" {
		t.Errorf("expected the contents to move along; got %q", got)
	}

	if _, _, err = s.TransferArea(id, 0, AnyAddress, otherTeam); err != errNoSuchArea {
		t.Errorf("expected errNoSuchArea; got %v", err)
	}
	if _, _, err = s.TransferArea(newID, 0, AnyAddress, 42); err != errNoSuchTeam {
		t.Errorf("expected errNoSuchTeam; got %v", err)
	}
	if _, err = s.GetAreaInfo(newID); err != nil {
		t.Errorf("expected a failed transfer to keep the area; got %v", err)
	}
}

func TestGetNextAreaInfo(t *testing.T) {
	s := newTestSystem(t)
	ub, ps := DefaultConfig().UserBase, mm.PageSize

	var ids []AreaID
	for i := 0; i < 3; i++ {
		id, _ := mustCreateArea(t, s, testTeam, ps, NoLock, userRW)
		ids = append(ids, id)
	}
	if _, err := s.ReserveAddressRange(testTeam, ub+ps, ExactAddress, 0, 0); err != errInvalidSize {
		t.Errorf("expected errInvalidSize; got %v", err)
	}
	if _, err := s.ReserveAddressRange(testTeam, 0, AnyAddress, ps, 0); err != nil {
		t.Fatal(err)
	}

	var (
		cookie uintptr
		got    []AreaID
	)
	for {
		info, err := s.GetNextAreaInfo(testTeam, &cookie)
		if err != nil {
			expectKind(t, err, kernel.EntryNotFound)
			break
		}
		got = append(got, info.ID)
	}

	if len(got) != len(ids) {
		t.Fatalf("expected %d areas; got %v", len(ids), got)
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("expected area %d at position %d; got %d", ids[i], i, got[i])
		}
	}

	if cookie != ^uintptr(0) {
		t.Errorf("expected the cookie to be exhausted; got %#x", cookie)
	}
	if _, err := s.GetNextAreaInfo(testTeam, &cookie); err != errNoMoreAreas {
		t.Errorf("expected errNoMoreAreas; got %v", err)
	}

	cookie = 0
	if _, err := s.GetNextAreaInfo(otherTeam, &cookie); err != errNoSuchTeam {
		t.Errorf("expected errNoSuchTeam; got %v", err)
	}
}

func TestAreaInfoHidesKernelProtection(t *testing.T) {
	s := newTestSystem(t)

	id, _ := mustCreateArea(t, s, testTeam, mm.PageSize, NoLock, userRW|mm.KernelReadArea|mm.KernelWriteArea)
	info, err := s.GetAreaInfo(id)
	if err != nil {
		t.Fatal(err)
	}
	if info.Protection != userRW {
		t.Errorf("expected protection %s; got %s", userRW, info.Protection)
	}
	if info.Wiring != NoLock {
		t.Errorf("expected wiring %s; got %s", NoLock, info.Wiring)
	}
}
