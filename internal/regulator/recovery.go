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

// RecoverySupervisor decides when a latched fault may clear. Recovery is
// level triggered and re-evaluated on every latched tick; the only noise
// margin is the hysteresis below the set point.
type RecoverySupervisor struct {
	threshold   float64
	restartDuty float64
}

func NewRecoverySupervisor(p Params) RecoverySupervisor {
	return RecoverySupervisor{
		threshold:   p.RecoveryThreshold(),
		restartDuty: p.RestartDuty,
	}
}

// ShouldRecover reports volts strictly below the hysteresis threshold.
func (r RecoverySupervisor) ShouldRecover(volts float64) bool {
	return volts < r.threshold
}

func (r RecoverySupervisor) Threshold() float64   { return r.threshold }
func (r RecoverySupervisor) RestartDuty() float64 { return r.restartDuty }
