package vmm

import (
	"kernvm/kernel"
	"kernvm/kernel/mm"

	"gvisor.dev/gvisor/pkg/log"
)

var (
	errNoPhysicalSlot  = &kernel.Error{Module: "vmm", Message: "no free physical mapping slot", Kind: kernel.NoMemory}
	errNotPhysicalPage = &kernel.Error{Module: "vmm", Message: "physical address is not backed by memory", Kind: kernel.BadAddress}
)

// PhysicalMemory gives access to the contents of physical frames.
type PhysicalMemory interface {
	// Bytes returns the contents of the frame or nil if the frame is not
	// backed by memory.
	Bytes(frame mm.Frame) []byte
}

// PhysicalMapper hands out a limited number of temporary kernel mappings of
// physical frames. The slots are shared by every translation map created
// from the same mapper.
type PhysicalMapper struct {
	mem   PhysicalMemory
	slots chan struct{}
}

// NewPhysicalMapper returns a mapper with slotCount mapping slots.
func NewPhysicalMapper(mem PhysicalMemory, slotCount int) *PhysicalMapper {
	if slotCount < 1 {
		slotCount = 1
	}
	return &PhysicalMapper{mem: mem, slots: make(chan struct{}, slotCount)}
}

// GetPhysicalPage maps the frame containing physAddr and returns its
// contents. If wait is false and every slot is in use, the call fails
// instead of blocking. Each successful call must be paired with a call to
// PutPhysicalPage.
func (pm *PhysicalMapper) GetPhysicalPage(physAddr uintptr, wait bool) ([]byte, *kernel.Error) {
	if wait {
		pm.slots <- struct{}{}
	} else {
		select {
		case pm.slots <- struct{}{}:
		default:
			return nil, errNoPhysicalSlot
		}
	}

	data := pm.mem.Bytes(mm.FrameFromAddress(physAddr))
	if data == nil {
		<-pm.slots
		log.Warningf("vmm: physical address %#x is not backed by memory", physAddr)
		return nil, errNotPhysicalPage
	}
	return data, nil
}

// PutPhysicalPage releases a mapping obtained by GetPhysicalPage.
func (pm *PhysicalMapper) PutPhysicalPage(_ []byte) {
	<-pm.slots
}

// SlotsInUse returns the number of physical mappings currently held.
func (pm *PhysicalMapper) SlotsInUse() int {
	return len(pm.slots)
}
