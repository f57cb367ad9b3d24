package powerusb

import "fmt"

const (
	// VendorID is the USB vendor ID of the PowerUSB product line.
	VendorID uint16 = 0x04d8

	// ProductID is the USB product ID of the PowerUSB strip.
	ProductID uint16 = 0x003f

	// SocketCount is the number of switchable sockets on the strip.
	// All PowerUSB variants currently sold expose exactly three.
	SocketCount = 3
)

const (
	// cmdGetDeviceType requests the device variant byte.
	cmdGetDeviceType byte = 0xAA

	// cmdGetCurrent requests the instantaneous current reading.
	cmdGetCurrent byte = 0xB1

	// cmdGetCharge requests the accumulated charge reading.
	cmdGetCharge byte = 0xB2

	// cmdResetCharge zeroes the device-internal charge accumulator.
	cmdResetCharge byte = 0xB3
)

// SocketState represents the power state of a single socket.
type SocketState int

const (
	// SocketOff notates that a socket is powered off.
	SocketOff SocketState = iota

	// SocketOn notates that a socket is powered on.
	SocketOn
)

// String returns a human-readable socket state.
func (s SocketState) String() string {
	if s == SocketOn {
		return "on"
	}
	return "off"
}

// DeviceType identifies the PowerUSB device variant.
type DeviceType int

// Device variants as described on the PowerUSB product page. Only the
// variant name is modeled, not the full product name.
const (
	DeviceBasic DeviceType = iota
	DeviceDigitalIO
	DeviceWatchdog
	DeviceSmart
)

var deviceTypeNames = [...]string{
	DeviceBasic:     "Basic",
	DeviceDigitalIO: "Digital IO",
	DeviceWatchdog:  "Watchdog",
	DeviceSmart:     "Smart",
}

// String returns the variant name of the device type.
func (t DeviceType) String() string {
	if t < DeviceBasic || t > DeviceSmart {
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
	return deviceTypeNames[t]
}

// decodeDeviceType maps the raw byte returned by the device to a DeviceType.
// The device encodes the variant as a 1-based index; anything outside [1,4]
// is rejected explicitly rather than relying on unsigned wraparound.
func decodeDeviceType(raw byte) (DeviceType, error) {
	if raw < 1 || raw > 4 {
		return 0, fmt.Errorf("%w: raw byte 0x%02x", ErrUnknownDeviceType, raw)
	}
	return DeviceType(raw - 1), nil
}

// socketCommand holds the opcode pair for one socket: every socket has
// exactly one on-code and one off-code.
type socketCommand struct {
	On  byte
	Off byte
}

// opcode selects the command byte for the desired state.
func (c socketCommand) opcode(state SocketState) byte {
	if state == SocketOn {
		return c.On
	}
	return c.Off
}

// socketCommands maps a socket index to the opcodes that switch it
// immediately.
var socketCommands = [SocketCount]socketCommand{
	{On: 0x41, Off: 0x42},
	{On: 0x43, Off: 0x44},
	{On: 0x45, Off: 0x50},
}

// defaultSocketCommands maps a socket index to the opcodes that set its
// power-on default, applied by the strip at boot.
var defaultSocketCommands = [SocketCount]socketCommand{
	{On: 0x4E, Off: 0x46},
	{On: 0x47, Off: 0x51},
	{On: 0x4F, Off: 0x48},
}
