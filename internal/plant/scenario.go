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
	"fmt"
	"slices"
	"sort"
	"time"
)

// LoadStep changes the operating point at a given time. Zero fields are
// left unchanged.
type LoadStep struct {
	At           time.Duration
	Load         float64
	InputVoltage float64
}

// Scenario replays load steps against a Buck as simulated time advances.
type Scenario struct {
	steps   []LoadStep
	next    int
	elapsed time.Duration
}

func NewScenario(steps []LoadStep) *Scenario {
	s := slices.Clone(steps)
	sort.SliceStable(s, func(i, j int) bool { return s[i].At < s[j].At })
	return &Scenario{steps: s}
}

// Advance moves the scenario clock forward by dt and applies every step
// that has become due. It returns the number of steps applied.
func (s *Scenario) Advance(b *Buck, dt time.Duration) int {
	s.elapsed += dt
	applied := 0
	for s.next < len(s.steps) && s.steps[s.next].At <= s.elapsed {
		st := s.steps[s.next]
		b.SetLoad(st.Load)
		b.SetInputVoltage(st.InputVoltage)
		s.next++
		applied++
	}
	return applied
}

func (s *Scenario) Elapsed() time.Duration { return s.elapsed }
func (s *Scenario) Done() bool             { return s.next >= len(s.steps) }

var scenarios = map[string]func() []LoadStep{
	"steady": func() []LoadStep { return nil },
	"load-step": func() []LoadStep {
		return []LoadStep{
			{At: 40 * time.Millisecond, Load: 2.5},
			{At: 70 * time.Millisecond, Load: 5},
		}
	},
	"open-load": func() []LoadStep {
		return []LoadStep{
			{At: 40 * time.Millisecond, Load: 1000},
			{At: 70 * time.Millisecond, Load: 5},
		}
	},
	// a supply surge big enough to push the output past the trip point
	"line-surge": func() []LoadStep {
		return []LoadStep{
			{At: 40 * time.Millisecond, InputVoltage: 36},
			{At: 45 * time.Millisecond, InputVoltage: 12},
		}
	},
}

// Named returns one of the built-in scenarios.
func Named(name string) ([]LoadStep, error) {
	g, ok := scenarios[name]
	if !ok {
		return nil, fmt.Errorf("scenario %q not found", name)
	}
	return g(), nil
}

func Names() []string {
	var s []string
	for name := range scenarios {
		s = append(s, name)
	}
	sort.Strings(s)
	return s
}
