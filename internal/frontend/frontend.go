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

// Package frontend provides the platform side of the regulator: ADC
// sampling, the PWM compare output and the fault indicator.
package frontend

import (
	"context"
	"fmt"
	"sort"

	"psuctl/internal/config"
	"psuctl/internal/regulator"
)

type Frontend interface {
	regulator.VoltageSensor
	regulator.CurrentSensor
	regulator.Actuator
	regulator.FaultIndicator

	// Start brings up the peripherals. The returned error is fatal.
	Start(ctx context.Context) error
	// Close disables the output stage and releases the peripherals.
	Close() error
}

// Compare maps a duty cycle onto a PWM compare value in [0, period],
// truncating toward zero.
func Compare(duty float64, period uint32) uint32 {
	return uint32(regulator.Clamp(duty) * float64(period))
}

// DutyOf is the inverse of Compare.
func DutyOf(compare, period uint32) float64 {
	if period == 0 {
		return 0
	}
	return float64(min(compare, period)) / float64(period)
}

type factory func(conf *config.Config) (Frontend, error)

var kinds = map[string]factory{
	"sim":    simFromConfig,
	"modbus": modbusFromConfig,
}

// New builds the front end selected by conf.Frontend.Kind.
func New(conf *config.Config) (Frontend, error) {
	f, ok := kinds[conf.Frontend.Kind]
	if !ok {
		return nil, fmt.Errorf("frontend %q not supported (have %v)", conf.Frontend.Kind, Kinds())
	}
	return f(conf)
}

func Kinds() []string {
	var s []string
	for k := range kinds {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}
