// SPDX-License-Identifier: GPL-3.0-only

// Package dbus provides the D-Bus service exposing PowerUSB strip control.
package dbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pwrusb-tools/pwrusbd/internal/energy"
	"github.com/pwrusb-tools/pwrusbd/internal/hid"
	"github.com/pwrusb-tools/pwrusbd/internal/powerusb"
)

// ErrRateLimitExceeded is returned when switching requests exceed the rate limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrInvalidVoltage is returned when a non-positive line voltage is provided.
var ErrInvalidVoltage = errors.New("line voltage must be positive")

const (
	// rateLimitPerSecond is the maximum number of switching commands per second.
	rateLimitPerSecond = 10

	// rateLimitBurst is the maximum burst size for switching commands.
	rateLimitBurst = 5
)

const (
	// ServiceName is the D-Bus service name.
	ServiceName = "io.github.pwrusbtools.PwrUsb"

	// ObjectPath is the D-Bus object path.
	ObjectPath = "/io/github/pwrusbtools/PwrUsb"

	// InterfaceName is the D-Bus interface name.
	InterfaceName = "io.github.pwrusbtools.PwrUsb"
)

// IntrospectXML is the D-Bus introspection XML for the service.
const IntrospectXML = `
<node name="` + ObjectPath + `">
  <interface name="` + InterfaceName + `">
    <method name="GetStatus">
      <arg name="connected" type="b" direction="out"/>
      <arg name="product" type="s" direction="out"/>
    </method>
    <method name="GetDeviceType">
      <arg name="deviceType" type="s" direction="out"/>
    </method>
    <method name="GetSocketCount">
      <arg name="count" type="u" direction="out"/>
    </method>
    <method name="SetSocketState">
      <arg name="index" type="u" direction="in"/>
      <arg name="on" type="b" direction="in"/>
    </method>
    <method name="SetDefaultSocketState">
      <arg name="index" type="u" direction="in"/>
      <arg name="on" type="b" direction="in"/>
    </method>
    <method name="GetCurrent">
      <arg name="milliamps" type="n" direction="out"/>
    </method>
    <method name="GetCharge">
      <arg name="milliampMinutes" type="i" direction="out"/>
    </method>
    <method name="GetEnergy">
      <arg name="lineVoltage" type="d" direction="in"/>
      <arg name="kilowattHours" type="d" direction="out"/>
    </method>
    <method name="ResetCharge">
    </method>
    <signal name="StripConnected">
      <arg name="product" type="s"/>
    </signal>
    <signal name="StripRemoved">
    </signal>
    <signal name="SocketStateChanged">
      <arg name="index" type="u"/>
      <arg name="on" type="b"/>
    </signal>
    <signal name="ChargeReset">
    </signal>
  </interface>
  ` + introspect.IntrospectDataString + `
</node>
`

// StripManager is the slice of the strip manager the server consumes.
// This allows for mocking in tests.
type StripManager interface {
	// Connected reports whether a strip session is open.
	Connected() bool

	// Info returns device information for the connected strip.
	Info() (hid.DeviceInfo, bool)

	// SocketCount returns the number of switchable sockets.
	SocketCount() int

	// DeviceType queries the variant of the connected strip.
	DeviceType() (powerusb.DeviceType, error)

	// SetSocketState switches a socket.
	SetSocketState(index int, state powerusb.SocketState) error

	// SetDefaultSocketState sets a socket's boot default.
	SetDefaultSocketState(index int, state powerusb.SocketState) error

	// InstantaneousCurrent reads the total draw in milliamps.
	InstantaneousCurrent() (int16, error)

	// AccumulatedCharge reads the integrated charge in milliamp-minutes.
	AccumulatedCharge() (int32, error)

	// ResetChargeAccumulator zeroes the charge integrator.
	ResetChargeAccumulator() error
}

// DeviceErrorHandler is called when a transport-level error is detected
// during an operation, so the caller can trigger a session refresh.
type DeviceErrorHandler func(err error)

// Server implements the D-Bus service for power strip control.
//
// The underlying Manager serializes all device access; the connMu mutex
// protects only the D-Bus connection field used for signal emission.
type Server struct {
	conn               *dbus.Conn
	connMu             sync.RWMutex
	manager            StripManager
	rateLimiter        *rate.Limiter
	handlerMu          sync.RWMutex
	deviceErrorHandler DeviceErrorHandler
}

// NewServer creates a new D-Bus server backed by the given strip manager.
func NewServer(manager StripManager) *Server {
	return &Server{
		manager:     manager,
		rateLimiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// Start connects to the session bus and exports the service.
func (s *Server) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	// Ensure connection is closed if setup fails
	success := false
	defer func() {
		if !success {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close D-Bus connection during cleanup")
			}
		}
	}()

	err = conn.Export(s, ObjectPath, InterfaceName)
	if err != nil {
		return fmt.Errorf("failed to export server: %w", err)
	}

	err = conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	success = true
	log.Info().Str("service", ServiceName).Msg("D-Bus service started")
	return nil
}

// Stop disconnects from the session bus.
func (s *Server) Stop() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SetDeviceErrorHandler sets the callback invoked when transport errors are
// detected, typically to trigger a session refresh after the strip dropped
// off the bus mid-operation.
func (s *Server) SetDeviceErrorHandler(handler DeviceErrorHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.deviceErrorHandler = handler
}

// handleDeviceError triggers recovery when err looks like the device went
// away, as opposed to a caller mistake or an absent strip.
func (s *Server) handleDeviceError(err error) {
	if err == nil ||
		errors.Is(err, powerusb.ErrNoStrip) ||
		errors.Is(err, powerusb.ErrInvalidSocket) ||
		errors.Is(err, powerusb.ErrUnknownDeviceType) {
		return
	}

	log.Warn().Err(err).Msg("Device error detected, triggering recovery")

	s.handlerMu.RLock()
	handler := s.deviceErrorHandler
	s.handlerMu.RUnlock()

	if handler != nil {
		// Run recovery asynchronously to not block the D-Bus response
		go handler(err)
	}
}

// checkSocketIndex validates a D-Bus socket index against the strip's
// socket count before any device I/O happens.
func (s *Server) checkSocketIndex(index uint32) error {
	if index >= uint32(s.manager.SocketCount()) {
		return fmt.Errorf("%w: %d", powerusb.ErrInvalidSocket, index)
	}
	return nil
}

// socketState maps a D-Bus boolean to a socket state.
func socketState(on bool) powerusb.SocketState {
	if on {
		return powerusb.SocketOn
	}
	return powerusb.SocketOff
}

// GetStatus reports whether a strip is connected and its product name.
func (s *Server) GetStatus() (bool, string, *dbus.Error) {
	info, ok := s.manager.Info()
	if !ok {
		return false, "", nil
	}

	log.Debug().Str("product", info.Product).Msg("Reported status")
	return true, info.Product, nil
}

// GetDeviceType returns the variant name of the connected strip.
func (s *Server) GetDeviceType() (string, *dbus.Error) {
	deviceType, err := s.manager.DeviceType()
	if err != nil {
		s.handleDeviceError(err)
		log.Error().Err(err).Msg("Failed to get device type")
		return "", dbus.MakeFailedError(err)
	}

	log.Debug().Stringer("deviceType", deviceType).Msg("Got device type")
	return deviceType.String(), nil
}

// GetSocketCount returns the number of switchable sockets.
func (s *Server) GetSocketCount() (uint32, *dbus.Error) {
	return uint32(s.manager.SocketCount()), nil
}

// SetSocketState switches a socket on or off.
func (s *Server) SetSocketState(index uint32, on bool) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for SetSocketState")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if err := s.checkSocketIndex(index); err != nil {
		return dbus.MakeFailedError(err)
	}

	if err := s.manager.SetSocketState(int(index), socketState(on)); err != nil {
		s.handleDeviceError(err)
		log.Error().Err(err).Uint32("index", index).Msg("Failed to set socket state")
		return dbus.MakeFailedError(err)
	}

	log.Debug().Uint32("index", index).Bool("on", on).Msg("Set socket state")
	s.emitSocketStateChanged(index, on)
	return nil
}

// SetDefaultSocketState sets the boot-default state of a socket.
func (s *Server) SetDefaultSocketState(index uint32, on bool) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for SetDefaultSocketState")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if err := s.checkSocketIndex(index); err != nil {
		return dbus.MakeFailedError(err)
	}

	if err := s.manager.SetDefaultSocketState(int(index), socketState(on)); err != nil {
		s.handleDeviceError(err)
		log.Error().Err(err).Uint32("index", index).Msg("Failed to set default socket state")
		return dbus.MakeFailedError(err)
	}

	log.Debug().Uint32("index", index).Bool("on", on).Msg("Set default socket state")
	return nil
}

// GetCurrent returns the instantaneous draw of the strip in milliamps.
func (s *Server) GetCurrent() (int16, *dbus.Error) {
	current, err := s.manager.InstantaneousCurrent()
	if err != nil {
		s.handleDeviceError(err)
		log.Error().Err(err).Msg("Failed to get current")
		return 0, dbus.MakeFailedError(err)
	}

	log.Debug().Int16("milliamps", current).Msg("Got current")
	return current, nil
}

// GetCharge returns the accumulated charge in milliamp-minutes.
func (s *Server) GetCharge() (int32, *dbus.Error) {
	charge, err := s.manager.AccumulatedCharge()
	if err != nil {
		s.handleDeviceError(err)
		log.Error().Err(err).Msg("Failed to get charge")
		return 0, dbus.MakeFailedError(err)
	}

	log.Debug().Int32("milliampMinutes", charge).Msg("Got charge")
	return charge, nil
}

// GetEnergy returns the accumulated energy in kilowatt-hours, estimated at
// the given line voltage.
func (s *Server) GetEnergy(lineVoltage float64) (float64, *dbus.Error) {
	if lineVoltage <= 0 {
		return 0, dbus.MakeFailedError(ErrInvalidVoltage)
	}

	charge, err := s.manager.AccumulatedCharge()
	if err != nil {
		s.handleDeviceError(err)
		log.Error().Err(err).Msg("Failed to get charge for energy estimate")
		return 0, dbus.MakeFailedError(err)
	}

	kwh := energy.ChargeToKilowattHours(charge, lineVoltage)
	log.Debug().Float64("kilowattHours", kwh).Float64("lineVoltage", lineVoltage).Msg("Estimated energy")
	return kwh, nil
}

// ResetCharge zeroes the charge accumulator of the strip.
func (s *Server) ResetCharge() *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for ResetCharge")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if err := s.manager.ResetChargeAccumulator(); err != nil {
		s.handleDeviceError(err)
		log.Error().Err(err).Msg("Failed to reset charge accumulator")
		return dbus.MakeFailedError(err)
	}

	log.Debug().Msg("Reset charge accumulator")
	s.emitChargeReset()
	return nil
}

// emitSocketStateChanged emits the SocketStateChanged signal.
func (s *Server) emitSocketStateChanged(index uint32, on bool) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".SocketStateChanged", index, on)
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit SocketStateChanged signal")
	}
}

// emitChargeReset emits the ChargeReset signal.
func (s *Server) emitChargeReset() {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".ChargeReset")
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit ChargeReset signal")
	}
}

// EmitStripConnected emits the StripConnected signal.
func (s *Server) EmitStripConnected(product string) {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".StripConnected", product)
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit StripConnected signal")
	}
	log.Info().Str("product", product).Msg("Strip connected")
}

// EmitStripRemoved emits the StripRemoved signal.
func (s *Server) EmitStripRemoved() {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return
	}

	err := conn.Emit(ObjectPath, InterfaceName+".StripRemoved")
	if err != nil {
		log.Error().Err(err).Msg("Failed to emit StripRemoved signal")
	}
	log.Info().Msg("Strip removed")
}
