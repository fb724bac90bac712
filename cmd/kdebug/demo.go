package main

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"
	"kernvm/kernel/vfs"
	"kernvm/kernel/vm"
)

const demoTeam vm.TeamID = 2

// populateDemo creates a team whose areas cover every kind of cache chain
// the debugger can display.
func populateDemo(sys *vm.System, files *vfs.MemoryFileSystem) *kernel.Error {
	if err := files.AddFile("/etc/motd", []byte("welcome to kdebug\n")); err != nil {
		return err
	}

	if _, err := sys.CreateAddressSpace(demoTeam); err != nil {
		return err
	}

	thread := &vm.Thread{ID: 1, Team: demoTeam}
	userRW := mm.ReadArea | mm.WriteArea

	heap, heapBase, err := sys.CreateAnonymousArea(demoTeam, "heap", 0, vm.AnyAddress, 4*mm.PageSize, vm.NoLock, userRW)
	if err != nil {
		return err
	}
	if err = sys.WriteMemory(thread, heapBase, []byte("heap data"), true); err != nil {
		return err
	}

	if _, _, err = sys.CloneArea(demoTeam, "heap clone", 0, vm.AnyAddress, userRW, vm.NoPrivateMap, heap); err != nil {
		return err
	}

	_, copyBase, err := sys.CopyArea(demoTeam, "heap copy", 0, vm.AnyAddress, userRW, heap)
	if err != nil {
		return err
	}
	if err = sys.WriteMemory(thread, copyBase, []byte("copy data"), true); err != nil {
		return err
	}

	_, motdBase, err := sys.MapFile(demoTeam, "motd", 0, vm.AnyAddress, mm.PageSize, mm.ReadArea, vm.PrivateMap, "/etc/motd", 0)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	if err = sys.ReadMemory(thread, motdBase, buf, true); err != nil {
		return err
	}

	if _, err = sys.ReserveAddressRange(demoTeam, 0, vm.AnyAddress, 16*mm.PageSize, 0); err != nil {
		return err
	}
	_, _, err = sys.CreateAnonymousArea(demoTeam, "stack", 0, vm.AnyAddress, 8*mm.PageSize, vm.LazyLock, userRW|mm.StackArea)
	return err
}
