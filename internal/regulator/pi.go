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

import "psuctl/pkg/mathx"

// Clamp limits a duty ratio to [0,1]. NaN is treated as 0.
func Clamp(duty float64) float64 {
	return mathx.Unit(duty)
}

// PIRegulator is a discrete PI compensator driving a bounded actuator.
//
// The integral candidate is only committed when the unclamped output lies
// inside [0,1]; while the output saturates the integrator is frozen.
type PIRegulator struct {
	Kp, Ki   float64
	Setpoint float64
	dt       float64

	intErr    float64
	lastDuty  float64
	saturated bool
}

func NewPIRegulator(p Params) *PIRegulator {
	return &PIRegulator{
		Kp:       p.Kp,
		Ki:       p.Ki,
		Setpoint: p.Setpoint,
		dt:       p.Dt(),
	}
}

// Update returns the duty for one sample of the output voltage and reports
// whether the raw output had to be clamped.
func (pi *PIRegulator) Update(volts float64) (float64, bool) {
	err := pi.Setpoint - volts

	// --- Integral term (tentative) ---
	candidate := pi.intErr + err*pi.dt

	// --- Compute raw output ---
	raw := pi.Kp*err + pi.Ki*candidate

	// --- Clamp and anti-windup ---
	duty := Clamp(raw)
	pi.saturated = duty != raw
	if !pi.saturated {
		pi.intErr = candidate
	}

	pi.lastDuty = duty
	return duty, pi.saturated
}

// Reset zeroes the integrator. Used when a fault clears.
func (pi *PIRegulator) Reset() {
	pi.intErr = 0
	pi.lastDuty = 0
	pi.saturated = false
}

func (pi *PIRegulator) Integral() float64 { return pi.intErr }
func (pi *PIRegulator) LastDuty() float64 { return pi.lastDuty }
func (pi *PIRegulator) Saturated() bool   { return pi.saturated }
