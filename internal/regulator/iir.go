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
	"fmt"
	"math"
)

// IIR is a second-order section
//
//	y[k] = A1*y[k-1] + A2*y[k-2] + B0*x[k] + B1*x[k-1]
//
// The coefficients are immutable; history lives in IIRState.
type IIR struct {
	A1, A2 float64
	B0, B1 float64
}

type IIRState struct {
	X1     float64 // x[k-1]
	Y1, Y2 float64 // y[k-1], y[k-2]
}

// SourceIIR holds the coefficients shipped with the board firmware. Its
// poles lie outside the unit circle and its DC gain is zero, so Validate
// rejects it; a stable set must be configured to use the filter.
var SourceIIR = IIR{A1: 2.13, A2: -1.83, B0: 0.24, B1: -0.24}

// Step filters one sample and returns the output with the next state.
func (f IIR) Step(s IIRState, x float64) (float64, IIRState) {
	y := f.A1*s.Y1 + f.A2*s.Y2 + f.B0*x + f.B1*s.X1
	return y, IIRState{X1: x, Y1: y, Y2: s.Y1}
}

// Stable applies the Jury criterion to 1 - A1 z^-1 - A2 z^-2.
func (f IIR) Stable() bool {
	return math.Abs(f.A2) < 1 && math.Abs(f.A1) < 1-f.A2
}

// DCGain is the steady-state gain. It is infinite when a pole sits on z=1.
func (f IIR) DCGain() float64 {
	den := 1 - f.A1 - f.A2
	if den == 0 {
		return math.Inf(1)
	}
	return (f.B0 + f.B1) / den
}

func (f IIR) Validate() error {
	if !f.Stable() {
		return fmt.Errorf("%w: iir a1=%v a2=%v is unstable", ErrInvalidParams, f.A1, f.A2)
	}
	return nil
}

// Settle returns the state reached after feeding a constant input x
// forever. Used to seed the filter so it does not ring on start-up.
func (f IIR) Settle(x float64) IIRState {
	y := f.DCGain() * x
	if math.IsInf(y, 0) || math.IsNaN(y) {
		return IIRState{X1: x}
	}
	return IIRState{X1: x, Y1: y, Y2: y}
}
