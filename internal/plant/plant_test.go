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

package plant

import (
	"errors"
	"math"
	"testing"
	"time"
)

const tick = 100 * time.Microsecond

func run(b *Buck, duty float64, d time.Duration) {
	for t := time.Duration(0); t < d; t += tick {
		b.Step(duty, tick)
	}
}

func TestBuckSettles(t *testing.T) {
	b, err := NewBuck(DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	for _, duty := range []float64{0.25, 0.5, 0.9} {
		run(b, duty, 50*time.Millisecond)
		v, a := b.Output()
		want := b.SteadyState(duty)
		if math.Abs(v-want) > 0.01*want {
			t.Errorf("duty %.2f: v=%.4f want %.4f", duty, v, want)
		}
		if math.Abs(a-v/b.Params().Load) > 1e-12 {
			t.Errorf("duty %.2f: amps=%v", duty, a)
		}
	}
}

func TestBuckDecaysWhenOff(t *testing.T) {
	b, _ := NewBuck(DefaultParams())
	run(b, 0.5, 20*time.Millisecond)
	v0, _ := b.Output()
	run(b, 0, 5*time.Millisecond)
	v1, _ := b.Output()
	if v1 >= v0 {
		t.Fatalf("output did not decay: %v -> %v", v0, v1)
	}
	if b.InductorCurrent() < 0 {
		t.Fatalf("negative inductor current %v", b.InductorCurrent())
	}
	run(b, 0, 200*time.Millisecond)
	if v, _ := b.Output(); v > 0.01 {
		t.Fatalf("output still %v after long off period", v)
	}
}

func TestBuckClampsDuty(t *testing.T) {
	a, _ := NewBuck(DefaultParams())
	b, _ := NewBuck(DefaultParams())
	run(a, 1, 10*time.Millisecond)
	run(b, 3, 10*time.Millisecond)
	va, _ := a.Output()
	vb, _ := b.Output()
	if va != vb {
		t.Fatalf("duty above 1 not clamped: %v vs %v", va, vb)
	}
	c, _ := NewBuck(DefaultParams())
	run(c, math.NaN(), 10*time.Millisecond)
	if v, _ := c.Output(); v != 0 {
		t.Fatalf("NaN duty drove output to %v", v)
	}
}

func TestBuckRejectsBadParams(t *testing.T) {
	p := DefaultParams()
	p.Capacitance = 0
	if _, err := NewBuck(p); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}

func TestScenarioAppliesStepsInOrder(t *testing.T) {
	b, _ := NewBuck(DefaultParams())
	s := NewScenario([]LoadStep{
		{At: 3 * time.Millisecond, Load: 10},
		{At: time.Millisecond, Load: 2},
		{At: 2 * time.Millisecond, InputVoltage: 24},
	})
	if n := s.Advance(b, 500*time.Microsecond); n != 0 {
		t.Fatalf("applied %d steps early", n)
	}
	if n := s.Advance(b, 1500*time.Microsecond); n != 2 {
		t.Fatalf("applied %d steps, want 2", n)
	}
	p := b.Params()
	if p.Load != 2 || p.InputVoltage != 24 {
		t.Fatalf("params = %+v", p)
	}
	s.Advance(b, 5*time.Millisecond)
	if b.Params().Load != 10 || b.Params().InputVoltage != 24 || !s.Done() {
		t.Fatalf("params = %+v done=%v", b.Params(), s.Done())
	}
}

func TestNamedScenarios(t *testing.T) {
	for _, name := range Names() {
		if _, err := Named(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := Named("nope"); err == nil {
		t.Error("unknown scenario accepted")
	}
}
