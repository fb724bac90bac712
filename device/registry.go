package device

// DetectOrder specifies when a driver is probed relative to the others.
type DetectOrder int8

// The detection slots. Drivers sharing a slot are probed in registration
// order.
const (
	DetectOrderEarly         DetectOrder = -128
	DetectOrderBeforeConsole DetectOrder = -64
	DetectOrderConsole       DetectOrder = 0
	DetectOrderLast          DetectOrder = 127
)

// DriverInfo describes a registered driver.
type DriverInfo struct {
	// Order specifies at which stage of the hardware detection process
	// the driver is probed.
	Order DetectOrder

	// Probe checks for the hardware and returns a driver for it.
	Probe ProbeFn
}

// DriverInfoList is a list of drivers that sorts by detection order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds a driver to the list probed during boot. Drivers call
// it from an init() block.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns a copy of the registered drivers.
func DriverList() DriverInfoList {
	return append(DriverInfoList(nil), registeredDrivers...)
}
