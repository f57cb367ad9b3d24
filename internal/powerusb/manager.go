// SPDX-License-Identifier: GPL-3.0-only

package powerusb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pwrusb-tools/pwrusbd/internal/hid"
)

// ErrNoStrip is returned when an operation requires a connected strip and
// none is attached.
var ErrNoStrip = errors.New("no power strip connected")

// Manager owns the lifecycle of the single strip session and serializes all
// access to it. Only the first matching device is ever addressed, so the
// manager holds at most one session at a time.
type Manager struct {
	mu        sync.Mutex
	strip     *Strip
	stripOpts []StripOption
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithStripOptions sets options passed through to every strip session the
// manager opens. Used by tests to inject a device opener.
func WithStripOptions(opts ...StripOption) ManagerOption {
	return func(m *Manager) {
		m.stripOpts = opts
	}
}

// NewManager creates a new strip manager. No device is opened until Refresh
// is called.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh reconciles the session with the attached hardware. A healthy
// session is kept; a dead one is closed and reopened if the strip is still
// (or again) attached. An absent device is a normal outcome, not an error.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip != nil {
		// Probe the existing session; a failed exchange means the device
		// behind the handle is gone.
		if _, err := m.strip.DeviceType(); err == nil {
			return nil
		}
		log.Info().Msg("Power strip disconnected")
		if err := m.strip.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close disconnected strip")
		}
		m.strip = nil
	}

	strip := NewStrip(m.stripOpts...)
	if !strip.IsInitialized() {
		if errors.Is(strip.OpenErr(), hid.ErrDeviceNotFound) {
			return nil
		}
		return fmt.Errorf("failed to open power strip: %w", strip.OpenErr())
	}

	m.strip = strip
	info, _ := strip.Info()
	log.Info().
		Str("product", info.Product).
		Str("serial", info.Serial).
		Msg("Power strip connected")
	return nil
}

// Connected reports whether a strip session is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strip != nil
}

// Info returns device information for the connected strip.
func (m *Manager) Info() (hid.DeviceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return hid.DeviceInfo{}, false
	}
	info, err := m.strip.Info()
	if err != nil {
		return hid.DeviceInfo{}, false
	}
	return info, true
}

// SocketCount returns the number of switchable sockets.
func (m *Manager) SocketCount() int {
	return SocketCount
}

// DeviceType queries the variant of the connected strip.
func (m *Manager) DeviceType() (DeviceType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return 0, ErrNoStrip
	}
	return m.strip.DeviceType()
}

// SetSocketState switches a socket on the connected strip.
func (m *Manager) SetSocketState(index int, state SocketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return ErrNoStrip
	}
	return m.strip.SetSocketState(index, state)
}

// SetDefaultSocketState sets the boot-default state of a socket on the
// connected strip.
func (m *Manager) SetDefaultSocketState(index int, state SocketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return ErrNoStrip
	}
	return m.strip.SetDefaultSocketState(index, state)
}

// InstantaneousCurrent reads the total draw of the connected strip in
// milliamps.
func (m *Manager) InstantaneousCurrent() (int16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return 0, ErrNoStrip
	}
	return m.strip.InstantaneousCurrent()
}

// AccumulatedCharge reads the integrated charge of the connected strip in
// milliamp-minutes.
func (m *Manager) AccumulatedCharge() (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return 0, ErrNoStrip
	}
	return m.strip.AccumulatedCharge()
}

// ResetChargeAccumulator zeroes the charge integrator of the connected strip.
func (m *Manager) ResetChargeAccumulator() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return ErrNoStrip
	}
	return m.strip.ResetChargeAccumulator()
}

// Close closes the strip session if one is open.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.strip == nil {
		return nil
	}

	err := m.strip.Close()
	m.strip = nil
	if err != nil {
		log.Error().Err(err).Msg("Failed to close strip")
	}
	return err
}
