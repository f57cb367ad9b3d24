// SPDX-License-Identifier: GPL-3.0-only

// Package energy provides utilities for converting the charge integrated by
// a PowerUSB strip into energy at an assumed AC line voltage.
package energy

// DefaultLineVoltage is the AC line voltage assumed when none is supplied.
// The strip does not measure voltage itself.
const DefaultLineVoltage = 110.0

// ChargeToKilowattHours converts accumulated charge in milliamp-minutes, as
// reported by the strip, to energy in kilowatt-hours at the given line
// voltage. The intermediate amp-hour step is kept explicit so results stay
// reproducible digit-for-digit.
func ChargeToKilowattHours(milliampMinutes int32, lineVoltage float64) float64 {
	ampHours := float64(milliampMinutes) / 60.0 / 1000.0
	return (ampHours * lineVoltage) / 1000.0
}
