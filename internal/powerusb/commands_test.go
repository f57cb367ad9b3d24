package powerusb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pwrusb-tools/pwrusbd/internal/hid/mocks"
	"github.com/pwrusb-tools/pwrusbd/internal/powerusb"
)

func TestSocketState_String(t *testing.T) {
	assert.Equal(t, "on", powerusb.SocketOn.String())
	assert.Equal(t, "off", powerusb.SocketOff.String())
}

func TestDeviceType_String(t *testing.T) {
	tests := []struct {
		deviceType powerusb.DeviceType
		expected   string
	}{
		{powerusb.DeviceBasic, "Basic"},
		{powerusb.DeviceDigitalIO, "Digital IO"},
		{powerusb.DeviceWatchdog, "Watchdog"},
		{powerusb.DeviceSmart, "Smart"},
		{powerusb.DeviceType(9), "DeviceType(9)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.deviceType.String())
	}
}

// collectOpcodes switches every socket through both states via fn and records
// the opcode emitted for each exchange.
func collectOpcodes(t *testing.T, fn func(strip *powerusb.Strip, index int, state powerusb.SocketState) error) []byte {
	t.Helper()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var opcodes []byte
	mockDevice := mocks.NewMockDevice(ctrl)
	mockDevice.EXPECT().Write(gomock.Any()).DoAndReturn(
		func(data []byte) (int, error) {
			require.Len(t, data, 1)
			opcodes = append(opcodes, data[0])
			return 1, nil
		},
	).AnyTimes()

	strip := newTestStrip(t, mockDevice)
	for index := 0; index < strip.SocketCount(); index++ {
		for _, state := range []powerusb.SocketState{powerusb.SocketOn, powerusb.SocketOff} {
			require.NoError(t, fn(strip, index, state))
		}
	}
	return opcodes
}

// Every socket must have exactly one on-code and one off-code, and no opcode
// may be shared between sockets, states, or the two command tables.
func TestSocketCommands_Distinct(t *testing.T) {
	immediate := collectOpcodes(t, func(strip *powerusb.Strip, index int, state powerusb.SocketState) error {
		return strip.SetSocketState(index, state)
	})
	defaults := collectOpcodes(t, func(strip *powerusb.Strip, index int, state powerusb.SocketState) error {
		return strip.SetDefaultSocketState(index, state)
	})

	require.Len(t, immediate, 6)
	require.Len(t, defaults, 6)

	seen := make(map[byte]bool)
	for _, opcode := range append(immediate, defaults...) {
		assert.False(t, seen[opcode], "opcode 0x%02x emitted twice", opcode)
		seen[opcode] = true
	}
	assert.Len(t, seen, 12)
}
