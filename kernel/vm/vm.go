// Package vm implements the virtual memory core: per team address spaces
// holding sorted areas, layered copy-on-write caches backing the areas and
// the page fault resolver that materializes pages on demand.
//
// Lock order: address space, area table, cache reference (top cache before
// its source), translation map. Reference counts of areas, cache references
// and address spaces are atomic; releasing the last reference tears the
// object down.
package vm

import (
	"kernvm/kernel"
	"kernvm/kernel/kfmt"
	"kernvm/kernel/mm"
	"kernvm/kernel/mm/pmm"
	"kernvm/kernel/mm/vmm"
	"kernvm/kernel/vfs"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

var (
	// panicFn is used by tests to intercept kernel panics.
	panicFn = kfmt.Panic

	errBadConfig     = &kernel.Error{Module: "vm", Message: "invalid address space layout", Kind: kernel.BadValue}
	errNoSuchTeam    = &kernel.Error{Module: "vm", Message: "no such team", Kind: kernel.BadTeamID}
	errTeamExists    = &kernel.Error{Module: "vm", Message: "team already has an address space", Kind: kernel.BadValue}
	errKernelTeam    = &kernel.Error{Module: "vm", Message: "the kernel address space cannot be deleted", Kind: kernel.NotAllowed}
	errNoSuchArea    = &kernel.Error{Module: "vm", Message: "no such area", Kind: kernel.BadValue}
	errAreaNotFound  = &kernel.Error{Module: "vm", Message: "no area at address", Kind: kernel.EntryNotFound}
	errNoMoreAreas   = &kernel.Error{Module: "vm", Message: "no more areas", Kind: kernel.EntryNotFound}
	errForeignArea   = &kernel.Error{Module: "vm", Message: "area belongs to another team", Kind: kernel.NotAllowed}
	errNoCommitment  = &kernel.Error{Module: "vm", Message: "not enough memory to commit", Kind: kernel.NoMemory}
	errNoFileSystem  = &kernel.Error{Module: "vm", Message: "no file system attached", Kind: kernel.NotAllowed}
	errAreaListPanic = &kernel.Error{Module: "vm", Message: "area not found in its address space"}
)

// Config describes the machine the VM system manages.
type Config struct {
	// PageCount is the number of physical pages of the default pool.
	PageCount uint32

	// KernelBase and KernelSize delimit the kernel address space.
	KernelBase, KernelSize uintptr

	// UserBase and UserSize delimit every team address space.
	UserBase, UserSize uintptr

	// PhysicalMappingSlots caps the number of concurrent temporary
	// physical page mappings.
	PhysicalMappingSlots int

	// Pool overrides the default mmap backed page pool.
	Pool PagePool

	// NewTranslationMap overrides the default software translation
	// maps.
	NewTranslationMap func() TranslationMap

	// FileSystem resolves the paths passed to MapFile.
	FileSystem FileSystem

	// Signals receives the signals of unresolved user faults.
	Signals SignalSender

	// UserDebugException is invoked before a user fault is turned into a
	// signal. Returning false suppresses the signal.
	UserDebugException func(thread *Thread, address uintptr, isWrite bool) bool
}

// DefaultConfig returns a layout with 48-bit addresses: teams live in the
// lower half and the kernel in the upper half.
func DefaultConfig() Config {
	return Config{
		PageCount:            4096,
		KernelBase:           0x8000_0000_0000,
		KernelSize:           0x8000_0000_0000,
		UserBase:             0x20_0000,
		UserSize:             0x7fff_ffe0_0000,
		PhysicalMappingSlots: 16,
	}
}

// System is the VM subsystem context. It owns the page pool, the cache
// registry, the address spaces and the area table.
type System struct {
	cfg Config

	pool              PagePool
	ownPool           *pmm.Pool
	newTranslationMap func() TranslationMap

	// memoryLock guards availableMemory.
	memoryLock      sync.Mutex
	availableMemory int64

	cacheLock   sync.Mutex
	caches      map[int32]*Cache
	nextCacheID atomicbitops.Int32

	vnodeLock   sync.Mutex
	vnodeCaches map[vfs.Vnode]*Cache

	spaceLock   sync.RWMutex
	spaces      map[TeamID]*AddressSpace
	kernelSpace *AddressSpace

	areaLock   sync.RWMutex
	areas      map[AreaID]*Area
	nextAreaID atomicbitops.Int32
}

// NewSystem boots the VM subsystem. Initialization runs in a fixed order:
// page pool, cache subsystem, address spaces (creating the kernel space),
// area table.
func NewSystem(cfg Config) (*System, *kernel.Error) {
	if !validRange(cfg.KernelBase, cfg.KernelSize) || !validRange(cfg.UserBase, cfg.UserSize) {
		return nil, errBadConfig
	}

	s := &System{cfg: cfg}
	if err := s.initPagePool(); err != nil {
		return nil, err
	}
	s.initCaches()
	if err := s.initAddressSpaces(); err != nil {
		return nil, err
	}
	s.initAreas()

	log.Infof("vm: %d pages, kernel space %#x-%#x, user space %#x-%#x",
		s.pool.PageCount(), cfg.KernelBase, cfg.KernelBase+cfg.KernelSize, cfg.UserBase, cfg.UserBase+cfg.UserSize)
	return s, nil
}

func validRange(base, size uintptr) bool {
	_, ok := mm.Range(base, size)
	return ok && size != 0 && mm.IsAligned(base) && mm.IsAligned(size)
}

func (s *System) initPagePool() *kernel.Error {
	s.pool = s.cfg.Pool
	if s.pool == nil {
		pool, err := pmm.NewPool(s.cfg.PageCount)
		if err != nil {
			return err
		}
		s.pool, s.ownPool = pool, pool
	}

	s.newTranslationMap = s.cfg.NewTranslationMap
	if s.newTranslationMap == nil {
		mapper := vmm.NewPhysicalMapper(s.pool, s.cfg.PhysicalMappingSlots)
		s.newTranslationMap = func() TranslationMap {
			return vmm.NewTranslationMap(mapper)
		}
	}

	s.availableMemory = int64(s.pool.FreeCount()) << mm.PageShift
	return nil
}

func (s *System) initCaches() {
	s.caches = make(map[int32]*Cache)
	s.vnodeCaches = make(map[vfs.Vnode]*Cache)
}

func (s *System) initAddressSpaces() *kernel.Error {
	s.spaces = make(map[TeamID]*AddressSpace)
	as, err := s.createAddressSpace(KernelTeamID, s.cfg.KernelBase, s.cfg.KernelSize)
	if err != nil {
		return err
	}
	s.kernelSpace = as
	return nil
}

func (s *System) initAreas() {
	s.areas = make(map[AreaID]*Area)
}

// Close releases the physical memory of the default page pool. Injected
// pools are left to their owner.
func (s *System) Close() *kernel.Error {
	if s.ownPool == nil {
		return nil
	}
	pool := s.ownPool
	s.ownPool = nil
	return pool.Close()
}

// Pool returns the physical page pool.
func (s *System) Pool() PagePool {
	return s.pool
}

// AvailableMemory returns the number of bytes that can still be committed.
func (s *System) AvailableMemory() int64 {
	s.memoryLock.Lock()
	defer s.memoryLock.Unlock()
	return s.availableMemory
}

// tryReserveMemory charges amount bytes against the available memory.
func (s *System) tryReserveMemory(amount uintptr) bool {
	s.memoryLock.Lock()
	defer s.memoryLock.Unlock()

	if s.availableMemory < int64(amount) {
		return false
	}
	s.availableMemory -= int64(amount)
	return true
}

func (s *System) unreserveMemory(amount uintptr) {
	s.memoryLock.Lock()
	s.availableMemory += int64(amount)
	s.memoryLock.Unlock()
}

// isKernelAddress reports whether address lies in the kernel space.
func (s *System) isKernelAddress(address uintptr) bool {
	return address >= s.cfg.KernelBase && address-s.cfg.KernelBase < s.cfg.KernelSize
}

// isUserAddress reports whether address lies in the team address range.
func (s *System) isUserAddress(address uintptr) bool {
	return address >= s.cfg.UserBase && address-s.cfg.UserBase < s.cfg.UserSize
}
