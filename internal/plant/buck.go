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

// Package plant is an averaged model of a synchronous buck converter,
// good enough to close the loop around the regulator without hardware.
package plant

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrInvalid = errors.New("invalid plant parameters")

// default integration step
const maxStep = time.Microsecond

type Params struct {
	InputVoltage     float64 // V
	Inductance       float64 // H
	Capacitance      float64 // F
	Load             float64 // ohm
	SeriesResistance float64 // ohm, inductor DCR plus switch on-resistance
}

// DefaultParams settles in roughly a millisecond, slow enough for the
// stock gains at a 100us sample period.
func DefaultParams() Params {
	return Params{
		InputVoltage:     12,
		Inductance:       10e-6,
		Capacitance:      2200e-6,
		Load:             5,
		SeriesResistance: 0.5,
	}
}

func (p Params) Validate() error {
	if p.InputVoltage <= 0 || p.Inductance <= 0 || p.Capacitance <= 0 || p.Load <= 0 || p.SeriesResistance < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalid, p)
	}
	return nil
}

type Buck struct {
	p  Params
	iL float64 // inductor current
	vC float64 // output capacitor voltage
}

func NewBuck(p Params) (*Buck, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Buck{p: p}, nil
}

// Step advances the model by dt with the switch held at duty.
func (b *Buck) Step(duty float64, dt time.Duration) {
	if dt <= 0 {
		return
	}
	if math.IsNaN(duty) {
		duty = 0
	}
	duty = math.Max(0, math.Min(1, duty))

	n := int((dt + maxStep - 1) / maxStep)
	h := dt.Seconds() / float64(n)
	p := &b.p
	for range n {
		b.iL += (duty*p.InputVoltage - b.vC - b.iL*p.SeriesResistance) / p.Inductance * h
		// freewheel diode, no reverse current
		if b.iL < 0 {
			b.iL = 0
		}
		b.vC += (b.iL - b.vC/p.Load) / p.Capacitance * h
	}
}

// Output returns the output voltage and load current.
func (b *Buck) Output() (volts, amps float64) {
	return b.vC, b.vC / b.p.Load
}

func (b *Buck) InductorCurrent() float64 { return b.iL }
func (b *Buck) Params() Params           { return b.p }

// SteadyState is the output voltage the model settles to at a fixed duty.
func (b *Buck) SteadyState(duty float64) float64 {
	p := b.p
	return duty * p.InputVoltage * p.Load / (p.Load + p.SeriesResistance)
}

func (b *Buck) SetLoad(ohms float64) {
	if ohms > 0 {
		b.p.Load = ohms
	}
}

func (b *Buck) SetInputVoltage(v float64) {
	if v > 0 {
		b.p.InputVoltage = v
	}
}
