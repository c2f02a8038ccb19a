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

package frontend

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"psuctl/internal/config"
	"psuctl/internal/plant"
	"psuctl/internal/regulator"
	"psuctl/pkg/logger"
)

type SimOptions struct {
	Plant plant.Params
	Steps []plant.LoadStep
	// standard deviation of the ADC noise, in codes
	NoiseCodes float64
	Seed       uint64
}

// Sim closes the loop around a plant model. Every voltage sample advances
// the plant by one sample period under the last commanded compare value,
// so it must be driven from a single goroutine.
type Sim struct {
	cal      regulator.Calibration
	period   time.Duration
	buck     *plant.Buck
	scenario *plant.Scenario
	noise    float64
	rng      *rand.Rand
	log      *logger.Logger

	compare uint32
	alarm   bool
	enabled bool
}

func NewSim(cal regulator.Calibration, period time.Duration, opts SimOptions) (*Sim, error) {
	buck, err := plant.NewBuck(opts.Plant)
	if err != nil {
		return nil, err
	}
	return &Sim{
		cal:      cal,
		period:   period,
		buck:     buck,
		scenario: plant.NewScenario(opts.Steps),
		noise:    opts.NoiseCodes,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		log:      logger.New("SimFrontend"),
	}, nil
}

func simFromConfig(conf *config.Config) (Frontend, error) {
	cal, p, err := conf.Regulator()
	if err != nil {
		return nil, err
	}
	steps, err := conf.LoadSteps()
	if err != nil {
		return nil, err
	}
	return NewSim(cal, p.SamplePeriod, SimOptions{
		Plant:      conf.Plant(),
		Steps:      steps,
		NoiseCodes: conf.Frontend.Sim.NoiseCodes,
		Seed:       conf.Frontend.Sim.Seed,
	})
}

func (s *Sim) Start(ctx context.Context) error {
	p := s.buck.Params()
	s.log.Info("plant: vin=%.1fV L=%.0fuH C=%.0fuF load=%.2fohm", p.InputVoltage, p.Inductance*1e6, p.Capacitance*1e6, p.Load)
	s.enabled = true
	return nil
}

func (s *Sim) Close() error {
	s.enabled = false
	s.compare = 0
	return nil
}

func (s *Sim) SampleVoltage() uint16 {
	duty := 0.0
	if s.enabled {
		duty = DutyOf(s.compare, s.cal.PWMPeriod)
	}
	s.buck.Step(duty, s.period)
	if n := s.scenario.Advance(s.buck, s.period); n > 0 {
		p := s.buck.Params()
		s.log.Debug("t=%v load step: vin=%.1fV load=%.2fohm", s.scenario.Elapsed(), p.InputVoltage, p.Load)
	}
	v, _ := s.buck.Output()
	return s.noisy(s.cal.VoltageCode(v))
}

func (s *Sim) SampleCurrent() uint16 {
	_, a := s.buck.Output()
	return s.noisy(s.cal.CurrentCode(a))
}

func (s *Sim) SetDuty(duty float64) {
	s.compare = Compare(duty, s.cal.PWMPeriod)
}

func (s *Sim) SetAlarm(on bool) {
	if on != s.alarm {
		s.log.Debug("alarm led %v", on)
	}
	s.alarm = on
}

func (s *Sim) noisy(code uint16) uint16 {
	if s.noise == 0 {
		return code
	}
	c := math.Round(float64(code) + s.rng.NormFloat64()*s.noise)
	return uint16(math.Max(0, math.Min(s.cal.FullScale, c)))
}

func (s *Sim) Alarm() bool            { return s.alarm }
func (s *Sim) CompareValue() uint32   { return s.compare }
func (s *Sim) Plant() *plant.Buck     { return s.buck }
func (s *Sim) Elapsed() time.Duration { return s.scenario.Elapsed() }
