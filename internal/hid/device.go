// Package hid provides the raw USB HID transport used to talk to PowerUSB strips.
package hid

//go:generate mockgen -source=device.go -destination=mocks/device_mock.go -package=mocks

// DeviceInfo contains information about a HID device.
type DeviceInfo struct {
	Path         string
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
}

// Device represents an interface for raw HID device I/O.
// This interface allows for mocking in tests.
type Device interface {
	// Write sends the given bytes as a single HID output report.
	// A short write is reported as an error, never as partial success.
	Write(data []byte) (int, error)

	// Read blocks until an input report is available and fills data.
	Read(data []byte) (int, error)

	// Close closes the device handle.
	Close() error

	// Info returns information about the device.
	Info() DeviceInfo
}

// DeviceOpener is a function type that opens the unique HID device matching
// a vendor/product identity.
type DeviceOpener func(vendorID, productID uint16) (Device, error)
