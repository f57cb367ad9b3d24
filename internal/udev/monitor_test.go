// SPDX-License-Identifier: GPL-3.0-only

package udev

import (
	"errors"
	"syscall"
	"testing"

	"github.com/pilebones/go-udev/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMonitor(t *testing.T) {
	handler := func(event Event) {}
	monitor := NewMonitor(handler)

	assert.NotNil(t, monitor)
	assert.NotNil(t, monitor.handler)
	assert.Nil(t, monitor.conn)
}

func TestNewMonitor_NilHandler(t *testing.T) {
	monitor := NewMonitor(nil)
	assert.NotNil(t, monitor)
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	monitor := NewMonitor(nil)
	assert.NoError(t, monitor.Stop())
}

func TestConstants(t *testing.T) {
	// udev's PRODUCT env drops leading zeros from 0x04d8/0x003f.
	require.Equal(t, "4d8", PowerUsbVendorID)
	require.Equal(t, "3f", PowerUsbProductID)
}

func TestMonitor_HandleEvent(t *testing.T) {
	tests := []struct {
		name          string
		uevent        netlink.UEvent
		expectHandler bool
		expectedType  EventType
	}{
		{
			name: "add event for usb_device triggers handler",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"DEVTYPE": "usb_device",
					"PRODUCT": "4d8/3f/2",
				},
			},
			expectHandler: true,
			expectedType:  EventAdd,
		},
		{
			name: "remove event for usb_device triggers handler",
			uevent: netlink.UEvent{
				Action: netlink.REMOVE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"DEVTYPE": "usb_device",
					"PRODUCT": "4d8/3f/2",
				},
			},
			expectHandler: true,
			expectedType:  EventRemove,
		},
		{
			name: "remove event without DEVTYPE triggers handler",
			uevent: netlink.UEvent{
				Action: netlink.REMOVE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"PRODUCT": "4d8/3f/2",
				},
			},
			expectHandler: true,
			expectedType:  EventRemove,
		},
		{
			name: "usb_interface add events are ignored",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1/1-1:1.0",
				Env: map[string]string{
					"DEVTYPE": "usb_interface",
					"PRODUCT": "4d8/3f/2",
				},
			},
			expectHandler: false,
		},
		{
			name: "change action is ignored",
			uevent: netlink.UEvent{
				Action: netlink.CHANGE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"DEVTYPE": "usb_device",
					"PRODUCT": "4d8/3f/2",
				},
			},
			expectHandler: false,
		},
		{
			name: "missing DEVTYPE is ignored for add events",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"PRODUCT": "4d8/3f/2",
				},
			},
			expectHandler: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handled bool
			var receivedEvent Event

			monitor := NewMonitor(func(event Event) {
				handled = true
				receivedEvent = event
			})

			monitor.handleEvent(tt.uevent)

			assert.Equal(t, tt.expectHandler, handled)
			if tt.expectHandler {
				assert.Equal(t, tt.expectedType, receivedEvent.Type)
			}
		})
	}
}

func TestMonitor_HandleEvent_NilHandler(t *testing.T) {
	monitor := NewMonitor(nil)

	// Must not panic without a handler installed.
	monitor.handleEvent(netlink.UEvent{
		Action: netlink.ADD,
		Env: map[string]string{
			"DEVTYPE": "usb_device",
			"PRODUCT": "4d8/3f/2",
		},
	})
}

func TestMonitor_CreateMatcher(t *testing.T) {
	monitor := NewMonitor(nil)
	matcher := monitor.createMatcher()

	assert.NotNil(t, matcher)
	assert.Len(t, matcher.Rules, 2) // add and remove rules

	err := matcher.Compile()
	require.NoError(t, err)

	tests := []struct {
		name     string
		uevent   netlink.UEvent
		expected bool
	}{
		{
			name: "matches add event for PowerUSB strip",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "4d8/3f/2",
				},
			},
			expected: true,
		},
		{
			name: "matches remove event for PowerUSB strip",
			uevent: netlink.UEvent{
				Action: netlink.REMOVE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "4d8/3f/2",
				},
			},
			expected: true,
		},
		{
			name: "does not match different product",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "4d8/53c/2",
				},
			},
			expected: false,
		},
		{
			name: "does not match product with trailing digits",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "4d8/3f0/2",
				},
			},
			expected: false,
		},
		{
			name: "matches PRODUCT with leading zeros (04d8/003f)",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "04d8/003f/2",
				},
			},
			expected: true,
		},
		{
			name: "matches PRODUCT uppercase (4D8/3F)",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "4D8/3F/2",
				},
			},
			expected: true,
		},
		{
			name: "does not match different vendor",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "5ac/3f/2",
				},
			},
			expected: false,
		},
		{
			name: "does not match change action",
			uevent: netlink.UEvent{
				Action: netlink.CHANGE,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"PRODUCT":   "4d8/3f/2",
				},
			},
			expected: false,
		},
		{
			name: "does not match different subsystem",
			uevent: netlink.UEvent{
				Action: netlink.ADD,
				KObj:   "/devices/pci0000:00/usb1/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "hidraw",
					"PRODUCT":   "4d8/3f/2",
				},
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, matcher.Evaluate(tt.uevent))
		})
	}
}

func TestMonitor_SetRecoveryHandler(t *testing.T) {
	monitor := NewMonitor(nil)
	assert.Nil(t, monitor.recoveryHandler)

	called := false
	monitor.SetRecoveryHandler(func() {
		called = true
	})

	require.NotNil(t, monitor.recoveryHandler)
	monitor.recoveryHandler()
	assert.True(t, called)
}

func TestIsBufferOverflowError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "ENOBUFS", err: syscall.ENOBUFS, expected: true},
		{name: "wrapped ENOBUFS", err: errors.Join(errors.New("recv"), syscall.ENOBUFS), expected: true},
		{name: "message match", err: errors.New("no buffer space available"), expected: true},
		{name: "unrelated error", err: errors.New("connection refused"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isBufferOverflowError(tt.err))
		})
	}
}
