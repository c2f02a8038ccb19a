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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"psuctl/internal/config"
	"psuctl/internal/plant"
	"psuctl/internal/regulator"
	"psuctl/pkg/logger"
	"psuctl/pkg/modbus"
)

const period = 100 * time.Microsecond

func TestCompare(t *testing.T) {
	cases := []struct {
		duty float64
		want uint32
	}{
		{0, 0},
		{1, 59999},
		{0.5, 29999},
		{-0.3, 0},
		{7, 59999},
		{math.NaN(), 0},
	}
	for _, c := range cases {
		if got := Compare(c.duty, 59999); got != c.want {
			t.Errorf("Compare(%v) = %d, want %d", c.duty, got, c.want)
		}
	}

	prev := uint32(0)
	for i := 0; i <= 1000; i++ {
		got := Compare(float64(i)/1000, 59999)
		if got < prev {
			t.Fatalf("Compare not monotonic at %d: %d < %d", i, got, prev)
		}
		prev = got
	}
}

func TestDutyOf(t *testing.T) {
	if DutyOf(59999, 59999) != 1 || DutyOf(0, 59999) != 0 || DutyOf(70000, 59999) != 1 || DutyOf(5, 0) != 0 {
		t.Fatal("DutyOf bounds")
	}
}

func TestNewByKind(t *testing.T) {
	conf := config.Default()
	f, err := New(conf)
	if err != nil {
		t.Fatalf("sim: %v", err)
	}
	if _, ok := f.(*Sim); !ok {
		t.Fatalf("got %T", f)
	}

	conf.Frontend.Kind = "modbus"
	conf.Frontend.ModbusConfig = "does/not/exist.yml"
	if _, err := New(conf); err == nil {
		t.Fatal("missing register map accepted")
	}

	conf.Frontend.Kind = "spi"
	if _, err := New(conf); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func newSim(t *testing.T, opts SimOptions) *Sim {
	t.Helper()
	if opts.Plant == (plant.Params{}) {
		opts.Plant = plant.DefaultParams()
	}
	s, err := NewSim(regulator.DefaultCalibration(), period, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSimFollowsCompare(t *testing.T) {
	s := newSim(t, SimOptions{})
	cal := regulator.DefaultCalibration()

	// not started: output stage is off
	s.SetDuty(0.5)
	for range 100 {
		s.SampleVoltage()
	}
	if v := cal.Volts(s.SampleVoltage()); v != 0 {
		t.Fatalf("output %v before start", v)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.SetDuty(0.5)
	if s.CompareValue() != 29999 {
		t.Fatalf("compare = %d", s.CompareValue())
	}
	var code uint16
	for range 500 {
		code = s.SampleVoltage()
	}
	want := s.Plant().SteadyState(DutyOf(29999, cal.PWMPeriod))
	if v := cal.Volts(code); math.Abs(v-want) > 0.05 {
		t.Fatalf("v = %.3f, want %.3f", v, want)
	}
	if s.Elapsed() != 601*period {
		t.Fatalf("elapsed = %v", s.Elapsed())
	}

	s.Close()
	if s.CompareValue() != 0 {
		t.Fatal("close left compare set")
	}
}

func TestSimNoiseIsSeeded(t *testing.T) {
	a := newSim(t, SimOptions{NoiseCodes: 3, Seed: 7})
	b := newSim(t, SimOptions{NoiseCodes: 3, Seed: 7})
	for _, s := range []*Sim{a, b} {
		s.Start(context.Background())
		s.SetDuty(0.4)
	}
	varied := false
	var prev uint16
	for i := range 200 {
		ca, cb := a.SampleVoltage(), b.SampleVoltage()
		if ca != cb {
			t.Fatalf("sample %d differs: %d vs %d", i, ca, cb)
		}
		if i > 150 && ca != prev {
			varied = true
		}
		prev = ca
		if ia, ib := a.SampleCurrent(), b.SampleCurrent(); ia != ib || ia > 1023 {
			t.Fatalf("current sample %d: %d vs %d", i, ia, ib)
		}
	}
	if !varied {
		t.Fatal("noise had no effect at steady state")
	}
}

func TestSimAppliesScenario(t *testing.T) {
	s := newSim(t, SimOptions{Steps: []plant.LoadStep{{At: time.Millisecond, Load: 2}}})
	s.Start(context.Background())
	for range 9 {
		s.SampleVoltage()
	}
	if s.Plant().Params().Load != plant.DefaultParams().Load {
		t.Fatal("step applied early")
	}
	s.SampleVoltage()
	if s.Plant().Params().Load != 2 {
		t.Fatalf("load = %v after 1ms", s.Plant().Params().Load)
	}
}

func TestSimAlarm(t *testing.T) {
	s := newSim(t, SimOptions{})
	s.SetAlarm(true)
	if !s.Alarm() {
		t.Fatal("alarm not set")
	}
	s.SetAlarm(false)
	if s.Alarm() {
		t.Fatal("alarm not cleared")
	}
}

func TestSimRegulatesWithCore(t *testing.T) {
	s := newSim(t, SimOptions{})
	cal := regulator.DefaultCalibration()
	core, err := regulator.NewCore(cal, regulator.DefaultParams(), s, s, s, s)
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	var res regulator.TickResult
	peak := 0.0
	for range 1000 {
		res = core.Tick()
		peak = max(peak, res.Volts)
	}
	if res.Latched || s.Alarm() {
		t.Fatalf("latched during start-up, peak %.3fV", peak)
	}
	if math.Abs(res.Volts-5) > 0.1 {
		t.Fatalf("settled at %.3fV", res.Volts)
	}
	if peak > 5.5 {
		t.Fatalf("peak %.3fV above trip point", peak)
	}
}

// modbus

type write struct {
	name  string
	value any
}

type fakeRegs struct {
	vals     map[string]any
	readErr  error
	writeErr error
	writes   []write
	closed   bool
}

func (f *fakeRegs) ReadValue(ctx context.Context, name string) (any, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.vals[name], nil
}

func (f *fakeRegs) WriteValue(ctx context.Context, name string, value any) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, write{name, value})
	return nil
}

func (f *fakeRegs) Close() error {
	f.closed = true
	return nil
}

const registerMap = `
modbus:
  host: 127.0.0.1
registers:
  vout_adc:    {address: 0, type: input}
  iout_adc:    {address: 1, type: input}
  pwm_compare: {address: 10, writable: true}
  alarm:       {address: 11, data_type: bool, writable: true}
  pwm_enable:  {address: 12, data_type: bool, writable: true}
`

func newModbus(t *testing.T) (*Modbus, *fakeRegs) {
	t.Helper()
	conf, err := modbus.ParseConfig([]byte(registerMap))
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewModbus(regulator.DefaultCalibration(), conf)
	if err != nil {
		t.Fatal(err)
	}
	regs := &fakeRegs{vals: map[string]any{RegVoltage: uint16(512), RegCurrent: uint16(3)}}
	m.dial = func(context.Context) (registers, error) { return regs, nil }
	return m, regs
}

func TestModbusRequiresRegisters(t *testing.T) {
	conf, err := modbus.ParseConfig([]byte("modbus: {host: x}\nregisters:\n  vout_adc: {address: 0}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewModbus(regulator.DefaultCalibration(), conf); err == nil {
		t.Fatal("incomplete register map accepted")
	}
}

func TestModbusStartAndClose(t *testing.T) {
	m, regs := newModbus(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(regs.writes) != 2 || regs.writes[0] != (write{RegCompare, 0}) || regs.writes[1] != (write{RegEnable, true}) {
		t.Fatalf("start writes = %v", regs.writes)
	}
	regs.writes = nil
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !regs.closed || len(regs.writes) != 2 || regs.writes[1] != (write{RegEnable, false}) {
		t.Fatalf("close: closed=%v writes=%v", regs.closed, regs.writes)
	}
}

func TestModbusStartFails(t *testing.T) {
	m, regs := newModbus(t)
	regs.writeErr = errors.New("no response")
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("start ignored write failure")
	}
}

func TestModbusReadKeepsLastCode(t *testing.T) {
	m, regs := newModbus(t)
	m.Start(context.Background())

	if v, i := m.SampleVoltage(), m.SampleCurrent(); v != 512 || i != 3 {
		t.Fatalf("read %d/%d", v, i)
	}
	regs.readErr = errors.New("timeout")
	if v, i := m.SampleVoltage(), m.SampleCurrent(); v != 512 || i != 3 {
		t.Fatalf("failed read returned %d/%d", v, i)
	}
	if m.Errors() != 2 {
		t.Fatalf("errors = %d", m.Errors())
	}
	if view := m.View(); !view.Failing || view.Errors != 2 || view.Voltage != 512 {
		t.Fatalf("view = %+v", view)
	}

	regs.readErr = nil
	regs.vals[RegVoltage] = float32(600.4)
	if v := m.SampleVoltage(); v != 600 {
		t.Fatalf("scaled read = %d", v)
	}
	if m.View().Failing {
		t.Fatal("view still failing after a good read")
	}

	// codes beyond the adc range are passed on for the core to judge
	regs.vals[RegVoltage] = uint16(4000)
	if v := m.SampleVoltage(); v != 4000 {
		t.Fatalf("out of range read returned %d", v)
	}
	if m.Errors() != 2 {
		t.Fatalf("errors = %d", m.Errors())
	}
}

func newModbusCore(t *testing.T, m *Modbus) *regulator.Core {
	t.Helper()
	core, err := regulator.NewCore(regulator.DefaultCalibration(), regulator.DefaultParams(), m, m, m, m)
	if err != nil {
		t.Fatal(err)
	}
	return core
}

func TestModbusOverRangeCodeTrips(t *testing.T) {
	m, regs := newModbus(t)
	m.Start(context.Background())
	core := newModbusCore(t, m)

	// about 10.9V, above the full scale code
	regs.vals[RegVoltage] = uint16(1100)
	res := core.Tick()
	if !res.Tripped || res.Volts < 10 || res.Duty != 0 {
		t.Fatalf("tick = %+v", res)
	}
	if !m.alarm || m.compare != 0 {
		t.Fatalf("alarm=%v compare=%d", m.alarm, m.compare)
	}
}

func TestModbusDeadLinkTrips(t *testing.T) {
	m, regs := newModbus(t)
	m.Start(context.Background())
	core := newModbusCore(t, m)

	regs.readErr = errors.New("timeout")
	res := core.Tick()
	if !res.Tripped || res.Duty != 0 {
		t.Fatalf("tick before any sample = %+v", res)
	}
	if v := m.View(); v.Voltage != noSample || !v.Failing {
		t.Fatalf("view = %+v", v)
	}
}

func TestModbusFailingStateIsPerRegister(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.Close()

	m, regs := newModbus(t)
	m.Start(context.Background())
	regs.vals[RegVoltage] = "garbage"
	for range 5 {
		m.SampleVoltage()
		m.SampleCurrent()
	}

	out := buf.String()
	if n := strings.Count(out, "vout_adc failing"); n != 1 {
		t.Fatalf("logged %d failures:\n%s", n, out)
	}
	if strings.Contains(out, "recovered") {
		t.Fatalf("good channel logged a recovery:\n%s", out)
	}
	if v := m.View(); !v.Failing || !slices.Equal(v.FailingRegisters, []string{RegVoltage}) || v.Errors != 5 {
		t.Fatalf("view = %+v", v)
	}

	regs.vals[RegVoltage] = uint16(500)
	m.SampleVoltage()
	if v := m.View(); v.Failing || v.FailingRegisters != nil {
		t.Fatalf("view = %+v", v)
	}
	if strings.Count(buf.String(), "vout_adc recovered") != 1 {
		t.Fatalf("recovery not logged:\n%s", buf.String())
	}
}

func TestModbusServeHTTP(t *testing.T) {
	m, _ := newModbus(t)
	m.Start(context.Background())
	m.SampleVoltage()
	m.SetDuty(1)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var v RegisterView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.Voltage != 512 || v.Compare != 59999 || v.Failing {
		t.Fatalf("view = %+v", v)
	}
}

func TestModbusWritesOnChange(t *testing.T) {
	m, regs := newModbus(t)
	m.Start(context.Background())
	regs.writes = nil

	m.SetDuty(0)
	m.SetDuty(0.5)
	m.SetDuty(0.5)
	m.SetAlarm(true)
	m.SetAlarm(true)
	want := []write{{RegCompare, uint32(29999)}, {RegAlarm, true}}
	if len(regs.writes) != len(want) {
		t.Fatalf("writes = %v", regs.writes)
	}
	for i := range want {
		if regs.writes[i] != want[i] {
			t.Fatalf("write %d = %v, want %v", i, regs.writes[i], want[i])
		}
	}

	// failed writes are retried on the next call
	regs.writes = nil
	regs.writeErr = errors.New("busy")
	m.SetDuty(0.25)
	regs.writeErr = nil
	m.SetDuty(0.25)
	if len(regs.writes) != 1 || regs.writes[0] != (write{RegCompare, uint32(14999)}) {
		t.Fatalf("retry writes = %v", regs.writes)
	}
}
