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
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"psuctl/internal/config"
	"psuctl/internal/regulator"
	"psuctl/pkg/logger"
	"psuctl/pkg/modbus"
)

// register names expected in the YAML map
const (
	RegVoltage = "vout_adc"
	RegCurrent = "iout_adc"
	RegCompare = "pwm_compare"
	RegAlarm   = "alarm"
	RegEnable  = "pwm_enable"
)

const closeTimeout = time.Second

// noSample is reported until a channel has delivered its first code. It
// converts far above any output limit, so a link that never came up trips
// the safety monitor instead of reading as 0V.
const noSample = math.MaxUint16

// registers is the subset of *modbus.Client used here.
type registers interface {
	ReadValue(ctx context.Context, name string) (any, error)
	WriteValue(ctx context.Context, name string, value any) error
	Close() error
}

// Modbus talks to a remote analog front end. Sensor reads that fail
// return the last good code; failed writes are retried on the next tick.
// Codes are passed through unchecked, limits are applied to the physical
// value by the core.
type Modbus struct {
	cal       regulator.Calibration
	hasEnable bool
	dial      func(ctx context.Context) (registers, error)
	log       *logger.Logger

	ctx  context.Context
	regs registers

	lastV, lastI uint16
	compare      uint32
	compareSent  bool
	alarm        bool
	alarmSent    bool
	failing      map[string]bool
	errors       atomic.Uint64

	// copy of the register state for the web view
	viewMu sync.Mutex
	view   RegisterView
}

type RegisterView struct {
	Voltage uint16 `json:"vout_adc"`
	Current uint16 `json:"iout_adc"`
	Compare uint32 `json:"pwm_compare"`
	Alarm   bool   `json:"alarm"`
	Failing bool   `json:"failing"`
	// registers whose last access failed
	FailingRegisters []string `json:"failing_registers,omitempty"`
	Errors           uint64   `json:"errors"`
	LastError        string   `json:"last_error,omitempty"`
}

func NewModbus(cal regulator.Calibration, conf *modbus.Config) (*Modbus, error) {
	if err := conf.Require([]string{RegVoltage, RegCurrent}, []string{RegCompare, RegAlarm}); err != nil {
		return nil, err
	}
	_, hasEnable := conf.Registers[RegEnable]
	if hasEnable {
		if err := conf.Require(nil, []string{RegEnable}); err != nil {
			return nil, err
		}
	}
	return &Modbus{
		cal:       cal,
		hasEnable: hasEnable,
		dial: func(ctx context.Context) (registers, error) {
			c, err := modbus.NewClient(ctx, conf, 5)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		log:     logger.New("ModbusFrontend"),
		ctx:     context.Background(),
		lastV:   noSample,
		lastI:   noSample,
		failing: make(map[string]bool),
		view:    RegisterView{Voltage: noSample, Current: noSample},
	}, nil
}

func modbusFromConfig(conf *config.Config) (Frontend, error) {
	cal, _, err := conf.Regulator()
	if err != nil {
		return nil, err
	}
	mc, err := modbus.LoadConfig(conf.Frontend.ModbusConfig)
	if err != nil {
		return nil, err
	}
	return NewModbus(cal, mc)
}

func (m *Modbus) Start(ctx context.Context) error {
	regs, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("modbus frontend: %w", err)
	}
	m.ctx = ctx
	m.regs = regs

	// output stage stays off until the first compare value is written
	if err := m.regs.WriteValue(ctx, RegCompare, 0); err != nil {
		return fmt.Errorf("modbus frontend: zero compare: %w", err)
	}
	m.compare, m.compareSent = 0, true
	if m.hasEnable {
		if err := m.regs.WriteValue(ctx, RegEnable, true); err != nil {
			return fmt.Errorf("modbus frontend: enable pwm: %w", err)
		}
	}
	return nil
}

// Close zeroes the compare value and disables the PWM before dropping the
// connection. It does not use the start context, which is usually canceled
// by the time Close runs.
func (m *Modbus) Close() error {
	if m.regs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := m.regs.WriteValue(ctx, RegCompare, 0); err != nil {
		m.log.Error("zero compare on close: %v", err)
	}
	if m.hasEnable {
		if err := m.regs.WriteValue(ctx, RegEnable, false); err != nil {
			m.log.Error("disable pwm on close: %v", err)
		}
	}
	err := m.regs.Close()
	m.regs = nil
	return err
}

func (m *Modbus) SampleVoltage() uint16 { return m.read(RegVoltage, &m.lastV) }
func (m *Modbus) SampleCurrent() uint16 { return m.read(RegCurrent, &m.lastI) }

func (m *Modbus) read(name string, last *uint16) uint16 {
	if m.regs == nil {
		return *last
	}
	val, err := m.regs.ReadValue(m.ctx, name)
	var code uint16
	if err == nil {
		code, err = modbus.Convert[uint16](name, val)
	}
	if err != nil {
		m.fail(name, err)
		return *last
	}
	m.ok(name)
	*last = code
	m.updateView(func(v *RegisterView) { v.Voltage, v.Current = m.lastV, m.lastI })
	return code
}

func (m *Modbus) SetDuty(duty float64) {
	c := Compare(duty, m.cal.PWMPeriod)
	if m.regs == nil || (m.compareSent && c == m.compare) {
		return
	}
	m.compare = c
	if err := m.regs.WriteValue(m.ctx, RegCompare, c); err != nil {
		m.compareSent = false
		m.fail(RegCompare, err)
		return
	}
	m.ok(RegCompare)
	m.compareSent = true
	m.updateView(func(v *RegisterView) { v.Compare = c })
}

func (m *Modbus) SetAlarm(on bool) {
	if m.regs == nil || (m.alarmSent && on == m.alarm) {
		return
	}
	m.alarm = on
	if err := m.regs.WriteValue(m.ctx, RegAlarm, on); err != nil {
		m.alarmSent = false
		m.fail(RegAlarm, err)
		return
	}
	m.ok(RegAlarm)
	m.alarmSent = true
	m.updateView(func(v *RegisterView) { v.Alarm = on })
}

// fail and ok track each register separately and only log when that
// register changes state, so a dead link does not flood the log at the
// sample rate.
func (m *Modbus) fail(name string, err error) {
	n := m.errors.Add(1)
	if !m.failing[name] {
		m.log.Error("%s failing: %v", name, err)
		m.failing[name] = true
	}
	regs := m.failingRegisters()
	m.updateView(func(v *RegisterView) {
		v.Failing, v.FailingRegisters = true, regs
		v.Errors, v.LastError = n, err.Error()
	})
}

func (m *Modbus) ok(name string) {
	if !m.failing[name] {
		return
	}
	delete(m.failing, name)
	m.log.Info("%s recovered (%d errors so far)", name, m.errors.Load())
	regs := m.failingRegisters()
	m.updateView(func(v *RegisterView) {
		v.Failing, v.FailingRegisters = len(regs) > 0, regs
	})
}

func (m *Modbus) failingRegisters() []string {
	if len(m.failing) == 0 {
		return nil
	}
	regs := make([]string, 0, len(m.failing))
	for name := range m.failing {
		regs = append(regs, name)
	}
	slices.Sort(regs)
	return regs
}

func (m *Modbus) Errors() uint64 { return m.errors.Load() }

func (m *Modbus) updateView(fn func(*RegisterView)) {
	m.viewMu.Lock()
	fn(&m.view)
	m.viewMu.Unlock()
}

// View returns the last register values seen by the loop. Safe to call
// from any goroutine.
func (m *Modbus) View() RegisterView {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	return m.view
}

func (m *Modbus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.View()); err != nil {
		m.log.Error("failed to encode register view: %v", err)
	}
}
