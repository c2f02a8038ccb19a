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

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidParams = errors.New("invalid regulator parameters")

// Gains is a named proportional/integral pair.
type Gains struct {
	Name string
	Kp   float64
	Ki   float64
}

// Two gain sets exist for this board. Nominal is the tuned set used by
// default; Soft trades response time for a quieter start-up.
var (
	GainsNominal = Gains{Name: "nominal", Kp: 1.0, Ki: 40.0}
	GainsSoft    = Gains{Name: "soft", Kp: 0.8, Ki: 15.0}
)

// LookupGains returns the gain set registered under name. An empty name
// selects GainsNominal.
func LookupGains(name string) (Gains, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", GainsNominal.Name:
		return GainsNominal, nil
	case GainsSoft.Name:
		return GainsSoft, nil
	}
	return Gains{}, fmt.Errorf("%w: unknown gain set %q", ErrInvalidParams, name)
}

// Params are fixed for the lifetime of a Core.
type Params struct {
	Kp, Ki             float64
	SamplePeriod       time.Duration
	Setpoint           float64 // V
	MaxVoltage         float64 // V
	MaxCurrent         float64 // A
	RecoveryHysteresis float64 // fraction of Setpoint
	RestartDuty        float64
}

func DefaultParams() Params {
	return Params{
		Kp:                 GainsNominal.Kp,
		Ki:                 GainsNominal.Ki,
		SamplePeriod:       100 * time.Microsecond,
		Setpoint:           5.0,
		MaxVoltage:         5.5,
		MaxCurrent:         4.8,
		RecoveryHysteresis: 0.95,
		RestartDuty:        0.1,
	}
}

// WithGains returns a copy of p using g.
func (p Params) WithGains(g Gains) Params {
	p.Kp, p.Ki = g.Kp, g.Ki
	return p
}

// Dt is the sample period in seconds.
func (p Params) Dt() float64 {
	return p.SamplePeriod.Seconds()
}

// RecoveryThreshold is the voltage below which a latched fault clears.
func (p Params) RecoveryThreshold() float64 {
	return p.Setpoint * p.RecoveryHysteresis
}

func (p Params) Validate() error {
	switch {
	case p.Kp < 0 || p.Ki < 0:
		return fmt.Errorf("%w: gains must be >= 0 (kp=%v ki=%v)", ErrInvalidParams, p.Kp, p.Ki)
	case p.SamplePeriod <= 0:
		return fmt.Errorf("%w: sample period must be > 0", ErrInvalidParams)
	case p.Setpoint <= 0:
		return fmt.Errorf("%w: setpoint must be > 0", ErrInvalidParams)
	case p.MaxVoltage <= p.Setpoint:
		return fmt.Errorf("%w: max voltage %.3fV must exceed setpoint %.3fV", ErrInvalidParams, p.MaxVoltage, p.Setpoint)
	case p.MaxCurrent <= 0:
		return fmt.Errorf("%w: max current must be > 0", ErrInvalidParams)
	case p.RecoveryHysteresis <= 0 || p.RecoveryHysteresis > 1:
		return fmt.Errorf("%w: recovery hysteresis %v outside (0,1]", ErrInvalidParams, p.RecoveryHysteresis)
	case p.RestartDuty < 0 || p.RestartDuty > 1:
		return fmt.Errorf("%w: restart duty %v outside [0,1]", ErrInvalidParams, p.RestartDuty)
	}
	return nil
}
