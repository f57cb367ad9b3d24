package hid

import (
	"errors"
	"fmt"
	"sync"

	sshid "github.com/sstallion/go-hid"
)

// ErrDeviceNotFound is returned by OpenStrip when no device matching the
// requested vendor/product identity is attached. Absence is a normal
// outcome, distinct from a transport fault.
var ErrDeviceNotFound = errors.New("no matching HID device found")

// HIDAPIDevice wraps an sstallion/go-hid device to implement the Device interface.
type HIDAPIDevice struct {
	device *sshid.Device
	info   DeviceInfo
}

// Verify HIDAPIDevice implements Device interface.
var _ Device = (*HIDAPIDevice)(nil)

// NewHIDAPIDevice creates a new HIDAPIDevice from an open hid device.
func NewHIDAPIDevice(device *sshid.Device, info DeviceInfo) *HIDAPIDevice {
	return &HIDAPIDevice{
		device: device,
		info:   info,
	}
}

// Write sends an output report to the device.
func (d *HIDAPIDevice) Write(data []byte) (int, error) {
	return d.device.Write(data)
}

// Read blocks until an input report is available from the device.
func (d *HIDAPIDevice) Read(data []byte) (int, error) {
	return d.device.Read(data)
}

// Close closes the device handle.
func (d *HIDAPIDevice) Close() error {
	return d.device.Close()
}

// Info returns information about the device.
func (d *HIDAPIDevice) Info() DeviceInfo {
	return d.info
}

// Init initializes the hidapi runtime. Calling it is optional; the runtime
// initializes itself lazily, but an explicit call surfaces backend errors
// at startup.
func Init() error {
	return sshid.Init()
}

var shutdownOnce sync.Once

// Shutdown tears down the hidapi runtime. It must be called at most once,
// by the owning application, after all device handles are closed. Repeated
// calls are no-ops.
func Shutdown() error {
	var err error
	shutdownOnce.Do(func() {
		err = sshid.Exit()
	})
	return err
}

// OpenStrip opens the unique device matching the given vendor/product
// identity. Only the first matching device is addressed; if none is
// attached, ErrDeviceNotFound is returned.
func OpenStrip(vendorID, productID uint16) (Device, error) {
	var found *DeviceInfo
	// hidapi reports an empty enumeration as an error, so the error return
	// is ignored: an absent device is detected by found staying nil.
	_ = sshid.Enumerate(vendorID, productID, func(info *sshid.DeviceInfo) error {
		if found == nil {
			found = &DeviceInfo{
				Path:         info.Path,
				VendorID:     info.VendorID,
				ProductID:    info.ProductID,
				Serial:       info.SerialNbr,
				Manufacturer: info.MfrStr,
				Product:      info.ProductStr,
			}
		}
		return nil
	})
	if found == nil {
		return nil, ErrDeviceNotFound
	}

	device, err := sshid.OpenPath(found.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", found.Path, err)
	}

	return NewHIDAPIDevice(device, *found), nil
}
