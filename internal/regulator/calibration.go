// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package regulator

import "fmt"

// Calibration converts raw ADC codes into physical units. Set once at
// startup and shared by every component.
type Calibration struct {
	VRef             float64 // ADC reference voltage
	FullScale        float64 // highest ADC code
	VoltageGain      float64 // output divider ratio
	CurrentShuntGain float64 // current-sense amplifier gain
	PWMPeriod        uint32  // compare value at 100% duty
}

func DefaultCalibration() Calibration {
	return Calibration{
		VRef:             3.3,
		FullScale:        1023,
		VoltageGain:      3.06,
		CurrentShuntGain: 21.0,
		PWMPeriod:        59999,
	}
}

func (c Calibration) Validate() error {
	if c.VRef <= 0 || c.FullScale <= 0 {
		return fmt.Errorf("%w: vref=%v full scale=%v", ErrInvalidParams, c.VRef, c.FullScale)
	}
	if c.VoltageGain <= 0 || c.CurrentShuntGain <= 0 {
		return fmt.Errorf("%w: voltage gain=%v shunt gain=%v", ErrInvalidParams, c.VoltageGain, c.CurrentShuntGain)
	}
	if c.PWMPeriod == 0 {
		return fmt.Errorf("%w: pwm period must be > 0", ErrInvalidParams)
	}
	return nil
}

// Volts converts a voltage-channel code.
func (c Calibration) Volts(code uint16) float64 {
	return float64(code) * c.VRef / c.FullScale * c.VoltageGain
}

// Amps converts a current-channel code.
func (c Calibration) Amps(code uint16) float64 {
	return float64(code) * c.VRef / c.FullScale / c.CurrentShuntGain
}

// VoltageCode is the inverse of Volts, rounded and limited to the ADC range.
// Simulated front ends use it to quantise a plant voltage.
func (c Calibration) VoltageCode(volts float64) uint16 {
	return c.code(volts / c.VoltageGain)
}

// CurrentCode is the inverse of Amps.
func (c Calibration) CurrentCode(amps float64) uint16 {
	return c.code(amps * c.CurrentShuntGain)
}

func (c Calibration) code(pinVolts float64) uint16 {
	x := pinVolts/c.VRef*c.FullScale + 0.5
	if x != x || x < 0 {
		return 0
	}
	if x > c.FullScale {
		return uint16(c.FullScale)
	}
	return uint16(x)
}

// VoltageSensor yields one raw, already conditioned sample of the output
// voltage channel.
type VoltageSensor interface {
	SampleVoltage() uint16
}

// CurrentSensor yields one raw sample of the output current channel.
type CurrentSensor interface {
	SampleCurrent() uint16
}

// SensorAdapter reads the two analog channels and applies the calibration.
// It holds no state of its own.
type SensorAdapter struct {
	cal Calibration
	v   VoltageSensor
	i   CurrentSensor
}

func NewSensorAdapter(cal Calibration, v VoltageSensor, i CurrentSensor) SensorAdapter {
	return SensorAdapter{cal: cal, v: v, i: i}
}

func (s SensorAdapter) ReadVoltage() float64 {
	return s.cal.Volts(s.v.SampleVoltage())
}

func (s SensorAdapter) ReadCurrent() float64 {
	return s.cal.Amps(s.i.SampleCurrent())
}
