// Package powerusb implements the command protocol of PowerUSB power strips.
//
// The strip is driven over USB HID with single-byte command writes followed,
// for queries, by a fixed-length big-endian response read. Every operation is
// a synchronous request/response exchange with no retries.
package powerusb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pwrusb-tools/pwrusbd/internal/hid"
)

// ErrNotInitialized is returned when an operation is attempted on a strip
// that was constructed without a matching device attached.
var ErrNotInitialized = errors.New("strip is not initialized")

// ErrStripClosed is returned when an operation is attempted on a closed strip.
var ErrStripClosed = errors.New("strip is closed")

// ErrInvalidSocket is returned when a socket index is out of range.
var ErrInvalidSocket = errors.New("socket index out of range")

// ErrUnknownDeviceType is returned when the device reports a variant byte
// outside the known range.
var ErrUnknownDeviceType = errors.New("unknown device type")

// Strip represents one open session with a PowerUSB power strip. It owns its
// transport handle exclusively and is not safe for concurrent use; callers
// needing concurrent access must serialize externally.
type Strip struct {
	device  hid.Device
	openErr error
	closed  bool
}

// StripOption is a functional option for configuring a Strip.
type StripOption func(*stripConfig)

type stripConfig struct {
	opener hid.DeviceOpener
}

// WithOpener sets a custom device opener for testing.
func WithOpener(opener hid.DeviceOpener) StripOption {
	return func(c *stripConfig) {
		c.opener = opener
	}
}

// NewStrip attempts to open the first (or only) PowerUSB strip attached to
// the system. The returned Strip is always non-nil; IsInitialized must be
// checked before invoking any operation that talks to the device. A system
// with no strip attached yields an uninitialized Strip, not an error.
func NewStrip(opts ...StripOption) *Strip {
	cfg := stripConfig{opener: hid.OpenStrip}
	for _, opt := range opts {
		opt(&cfg)
	}

	device, err := cfg.opener(VendorID, ProductID)
	if err != nil {
		return &Strip{openErr: err}
	}
	return &Strip{device: device}
}

// IsInitialized reports whether a device was opened at construction. All
// other operations fail with ErrNotInitialized when this returns false.
func (s *Strip) IsInitialized() bool {
	return s.device != nil
}

// OpenErr returns the error observed while opening the device, if any.
// For an absent device this is hid.ErrDeviceNotFound.
func (s *Strip) OpenErr() error {
	return s.openErr
}

// Info returns information about the underlying device.
func (s *Strip) Info() (hid.DeviceInfo, error) {
	if s.device == nil {
		return hid.DeviceInfo{}, ErrNotInitialized
	}
	return s.device.Info(), nil
}

// SocketCount returns the number of switchable sockets on the strip.
func (s *Strip) SocketCount() int {
	return SocketCount
}

// ready rejects operations on uninitialized or closed strips before any I/O.
func (s *Strip) ready() error {
	if s.device == nil {
		return ErrNotInitialized
	}
	if s.closed {
		return ErrStripClosed
	}
	return nil
}

// writeCommand sends a single command byte as one output report.
func (s *Strip) writeCommand(cmd byte) error {
	if _, err := s.device.Write([]byte{cmd}); err != nil {
		return fmt.Errorf("write command 0x%02x: %w", cmd, err)
	}
	return nil
}

// exchange sends a command byte and reads back an exact-length response.
func (s *Strip) exchange(cmd byte, respLen int) ([]byte, error) {
	if err := s.writeCommand(cmd); err != nil {
		return nil, err
	}

	resp := make([]byte, respLen)
	if _, err := s.device.Read(resp); err != nil {
		return nil, fmt.Errorf("read response to command 0x%02x: %w", cmd, err)
	}
	return resp, nil
}

// DeviceType queries the variant of the connected strip.
func (s *Strip) DeviceType() (DeviceType, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	resp, err := s.exchange(cmdGetDeviceType, 1)
	if err != nil {
		return 0, err
	}
	return decodeDeviceType(resp[0])
}

// SetSocketState switches the socket at index to the given state. An index
// out of range is rejected before any I/O.
func (s *Strip) SetSocketState(index int, state SocketState) error {
	if err := s.ready(); err != nil {
		return err
	}
	if index < 0 || index >= SocketCount {
		return fmt.Errorf("%w: %d", ErrInvalidSocket, index)
	}
	return s.writeCommand(socketCommands[index].opcode(state))
}

// SetDefaultSocketState sets the boot-default state of the socket at index,
// applied by the strip on power-up.
func (s *Strip) SetDefaultSocketState(index int, state SocketState) error {
	if err := s.ready(); err != nil {
		return err
	}
	if index < 0 || index >= SocketCount {
		return fmt.Errorf("%w: %d", ErrInvalidSocket, index)
	}
	return s.writeCommand(defaultSocketCommands[index].opcode(state))
}

// InstantaneousCurrent reads the total draw across all outlets, including
// the unswitched one, in milliamps. The device can legitimately report
// negative values; the raw two's-complement reading is returned unclamped.
func (s *Strip) InstantaneousCurrent() (int16, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	resp, err := s.exchange(cmdGetCurrent, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(resp)), nil
}

// AccumulatedCharge reads the charge integrated by the strip since the last
// reset, in milliamp-minutes.
func (s *Strip) AccumulatedCharge() (int32, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	resp, err := s.exchange(cmdGetCharge, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(resp)), nil
}

// ResetChargeAccumulator zeroes the device-internal charge integrator.
// There is no local state to reset, so repeated calls are independent.
func (s *Strip) ResetChargeAccumulator() error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.writeCommand(cmdResetCharge)
}

// Close releases the transport handle. The handle is closed exactly once;
// further calls return nil without touching the transport.
func (s *Strip) Close() error {
	if s.device == nil || s.closed {
		return nil
	}

	s.closed = true
	return s.device.Close()
}
