// Package hal probes the registered device drivers once the VM system is up
// and keeps track of the devices it found.
package hal

import (
	"bytes"
	"sort"

	"kernvm/device"
	"kernvm/device/video/fb"
	"kernvm/kernel/kfmt"
	"kernvm/kernel/vm"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeFramebuffer *fb.Framebuffer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveFramebuffer returns the framebuffer used for display output or nil
// if none was found.
func ActiveFramebuffer() *fb.Framebuffer {
	return devices.activeFramebuffer
}

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware(sys *vm.System) {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Stable(drivers)

	probe(sys, drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(sys *vm.System, driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.Console}

	for _, info := range driverInfoList {
		drv := info.Probe(sys)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first framebuffer becomes the active one.
func onDriverInit(drv device.Driver) {
	if drvImpl, ok := drv.(*fb.Framebuffer); ok && devices.activeFramebuffer == nil {
		devices.activeFramebuffer = drvImpl
	}
}

// Reset unmaps the active framebuffer and forgets every detected device.
func Reset() {
	if devices.activeFramebuffer != nil {
		if err := devices.activeFramebuffer.Release(); err != nil {
			kfmt.Printf("[hal] framebuffer release failed: %s\n", err.Message)
		}
	}
	devices = managedDevices{}
}
