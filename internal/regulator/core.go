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

// Actuator programs the modulator with a duty ratio in [0,1].
type Actuator interface {
	SetDuty(duty float64)
}

// FaultIndicator drives the alarm output. It is on for the whole time the
// fault latch is set.
type FaultIndicator interface {
	SetAlarm(on bool)
}

type Mode int

const (
	ModeNormal Mode = iota
	ModeSaturated
	ModeFaulted
	ModeRestart
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSaturated:
		return "saturated"
	case ModeFaulted:
		return "faulted"
	case ModeRestart:
		return "restart"
	}
	return "unknown"
}

// TickResult describes what one tick observed and commanded.
type TickResult struct {
	Seq       uint64
	Mode      Mode
	Verdict   Verdict
	Volts     float64
	Amps      float64
	Duty      float64
	Integral  float64
	Latched   bool
	Tripped   bool // latch set during this tick
	Recovered bool // latch cleared during this tick
}

type Option func(*Core)

// WithVoltageFilter runs the voltage reading through f before it reaches
// the PI regulator. Safety and recovery keep using the unfiltered value.
func WithVoltageFilter(f IIR) Option {
	return func(c *Core) {
		c.filter = &f
	}
}

// Core is the per-tick control sequence: sensors, safety monitor, then
// either recovery (latched) or PI regulation (clear), then the actuator.
//
// A Core is owned by a single goroutine. None of its methods lock.
type Core struct {
	params   Params
	cal      Calibration
	sensors  SensorAdapter
	safety   SafetyMonitor
	pi       *PIRegulator
	recovery RecoverySupervisor
	act      Actuator
	ind      FaultIndicator

	filter  *IIR
	fstate  IIRState
	fprimed bool

	latched bool
	duty    float64
	seq     uint64
}

func NewCore(cal Calibration, p Params, v VoltageSensor, i CurrentSensor, act Actuator, ind FaultIndicator, opts ...Option) (*Core, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c := &Core{
		params:   p,
		cal:      cal,
		sensors:  NewSensorAdapter(cal, v, i),
		safety:   NewSafetyMonitor(p),
		pi:       NewPIRegulator(p),
		recovery: NewRecoverySupervisor(p),
		act:      act,
		ind:      ind,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.filter != nil {
		if err := c.filter.Validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Tick runs one sampling period. It never blocks on anything but the
// sensor and actuator capabilities and always commands a defined duty.
func (c *Core) Tick() TickResult {
	c.seq++

	volts := c.sensors.ReadVoltage()
	amps := c.sensors.ReadCurrent()

	res := TickResult{
		Seq:     c.seq,
		Volts:   volts,
		Amps:    amps,
		Verdict: c.safety.Check(volts, amps),
	}

	switch {
	case res.Verdict == Violation:
		res.Tripped = c.Latch()
		res.Mode = ModeFaulted

	case c.latched:
		if c.recovery.ShouldRecover(volts) {
			c.latched = false
			c.pi.Reset()
			c.fprimed = false
			c.command(c.recovery.RestartDuty())
			c.ind.SetAlarm(false)
			res.Mode = ModeRestart
			res.Recovered = true
		} else {
			c.command(0)
			res.Mode = ModeFaulted
		}

	default:
		duty, saturated := c.pi.Update(c.measure(volts))
		c.command(duty)
		res.Mode = ModeNormal
		if saturated {
			res.Mode = ModeSaturated
		}
	}

	res.Duty = c.duty
	res.Integral = c.pi.Integral()
	res.Latched = c.latched
	return res
}

// Latch forces the output to zero and asserts the alarm, the same way a
// safety violation does. It reports whether the latch was clear before.
func (c *Core) Latch() bool {
	was := c.latched
	c.latched = true
	c.command(0)
	c.ind.SetAlarm(true)
	return !was
}

func (c *Core) measure(volts float64) float64 {
	if c.filter == nil {
		return volts
	}
	if !c.fprimed {
		c.fstate = c.filter.Settle(volts)
		c.fprimed = true
	}
	y, next := c.filter.Step(c.fstate, volts)
	c.fstate = next
	return y
}

func (c *Core) command(duty float64) {
	c.duty = Clamp(duty)
	c.act.SetDuty(c.duty)
}

func (c *Core) Latched() bool            { return c.latched }
func (c *Core) Duty() float64            { return c.duty }
func (c *Core) Integral() float64        { return c.pi.Integral() }
func (c *Core) Params() Params           { return c.params }
func (c *Core) Calibration() Calibration { return c.cal }
func (c *Core) Seq() uint64              { return c.seq }
