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

type Verdict int

const (
	Safe Verdict = iota
	Violation
)

func (v Verdict) String() string {
	if v == Violation {
		return "violation"
	}
	return "safe"
}

// SafetyMonitor compares calibrated readings against the hard limits.
type SafetyMonitor struct {
	maxVoltage float64
	maxCurrent float64
}

func NewSafetyMonitor(p Params) SafetyMonitor {
	return SafetyMonitor{maxVoltage: p.MaxVoltage, maxCurrent: p.MaxCurrent}
}

// Check is a pure predicate. A reading equal to a limit is still safe.
func (m SafetyMonitor) Check(volts, amps float64) Verdict {
	if volts > m.maxVoltage || amps > m.maxCurrent {
		return Violation
	}
	return Safe
}
