package vm

import "fmt"

// TeamID identifies a team and, with it, the team's address space.
type TeamID int32

// KernelTeamID is the team owning the kernel address space.
const KernelTeamID TeamID = 1

// ThreadID identifies a thread.
type ThreadID int32

// Thread is the faulting context passed to the fault entry points.
type Thread struct {
	ID   ThreadID
	Team TeamID

	// FaultHandler is the instruction pointer execution resumes at when a
	// kernel fault cannot be resolved. Zero means no handler is installed.
	FaultHandler uintptr
}

// AreaID identifies an area system wide.
type AreaID int32

// ReservedAreaID is the id carried by reserved address range placeholders.
// Placeholders are never registered in the area table.
const ReservedAreaID AreaID = -1

// AddressSpec selects how an area is placed inside its address space.
type AddressSpec uint8

// The supported placement policies.
const (
	// AnyAddress places the area in the lowest free gap.
	AnyAddress AddressSpec = iota

	// ExactAddress places the area exactly at the requested address.
	ExactAddress

	// BaseAddress places the area in the first gap at or above the
	// requested address and falls back to AnyAddress.
	BaseAddress

	// CloneAddress is accepted by CloneArea only and places the clone at
	// the base of the source area.
	CloneAddress

	// AnyKernelAddress behaves like AnyAddress for the kernel space.
	AnyKernelAddress

	// AnyKernelBlockAddress behaves like AnyKernelAddress.
	AnyKernelBlockAddress
)

var addressSpecNames = [...]string{"any", "exact", "base", "clone", "any-kernel", "any-kernel-block"}

func (s AddressSpec) String() string {
	if int(s) < len(addressSpecNames) {
		return addressSpecNames[s]
	}
	return fmt.Sprintf("spec(%d)", uint8(s))
}

// Wiring describes when the pages of an area are made resident.
type Wiring uint8

// The supported wiring modes.
const (
	// NoLock faults pages in on demand.
	NoLock Wiring = iota

	// LazyLock faults pages in on demand and keeps them resident.
	LazyLock

	// FullLock makes every page resident when the area is created.
	FullLock

	// Contiguous backs the area with a physically contiguous page run
	// that is mapped when the area is created.
	Contiguous

	// AlreadyWired adopts pages that are already mapped in the area's
	// range.
	AlreadyWired
)

var wiringNames = [...]string{"no-lock", "lazy-lock", "full-lock", "contiguous", "already-wired"}

func (w Wiring) String() string {
	if int(w) < len(wiringNames) {
		return wiringNames[w]
	}
	return fmt.Sprintf("wiring(%d)", uint8(w))
}

// Mapping selects whether a new area shares a cache or layers a private
// copy-on-write cache on top of it.
type Mapping uint8

// The supported mapping kinds.
const (
	NoPrivateMap Mapping = iota
	PrivateMap
)

// MemoryType is a caching hint recorded on physical memory areas.
type MemoryType uint8

// The supported memory types.
const (
	MemoryTypeDefault MemoryType = iota
	MemoryTypeUncached
	MemoryTypeWriteCombining
	MemoryTypeWriteThrough
	MemoryTypeWriteProtect
	MemoryTypeWriteBack
)

var memoryTypeNames = [...]string{"default", "uncached", "write-combining", "write-through", "write-protect", "write-back"}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("memtype(%d)", uint8(t))
}

// ReserveFlags tune reserved address ranges.
type ReserveFlags uint32

const (
	// ReserveAvoidBase lets AnyAddress placements consume the reserved
	// range once no other free gap is left.
	ReserveAvoidBase ReserveFlags = 1 << iota
)

// Signal is a signal number delivered to a team.
type Signal int

// SIGSEGV is delivered to teams whose faults cannot be resolved.
const SIGSEGV Signal = 11
