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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"psuctl/internal/plant"
	"psuctl/internal/regulator"
	"psuctl/pkg/eventbus"
)

var ErrInvalid = errors.New("invalid config")

type CalibrationConfig struct {
	VRef             float64 `json:"vref"`
	FullScale        float64 `json:"full_scale"`
	VoltageGain      float64 `json:"voltage_gain"`
	CurrentShuntGain float64 `json:"current_shunt_gain"`
	PWMPeriod        uint32  `json:"pwm_period"`
}

type ControlConfig struct {
	// "nominal" or "soft"
	GainSet            string  `json:"gain_set"`
	SamplePeriodUs     int     `json:"sample_period_us"`
	SetpointV          float64 `json:"setpoint_v"`
	MaxVoltageV        float64 `json:"max_voltage_v"`
	MaxCurrentA        float64 `json:"max_current_a"`
	RecoveryHysteresis float64 `json:"recovery_hysteresis"`
	RestartDuty        float64 `json:"restart_duty"`
}

// FilterConfig enables the optional IIR stage on the voltage reading.
// Zero coefficients fall back to regulator.SourceIIR, which does
// not pass the stability check.
type FilterConfig struct {
	Enabled bool    `json:"enabled"`
	A1      float64 `json:"a1"`
	A2      float64 `json:"a2"`
	B0      float64 `json:"b0"`
	B1      float64 `json:"b1"`
}

type LoadStepConfig struct {
	AtMs         int     `json:"at_ms"`
	LoadOhms     float64 `json:"load_ohms"`
	InputVoltage float64 `json:"input_voltage"`
}

type SimConfig struct {
	InputVoltage  float64          `json:"input_voltage"`
	InductanceUH  float64          `json:"inductance_uh"`
	CapacitanceUF float64          `json:"capacitance_uf"`
	LoadOhms      float64          `json:"load_ohms"`
	SeriesOhms    float64          `json:"series_ohms"`
	NoiseCodes    float64          `json:"noise_codes"`
	Seed          uint64           `json:"seed"`
	Scenario      string           `json:"scenario"`
	LoadSteps     []LoadStepConfig `json:"load_steps"`
}

type FrontendConfig struct {
	// "sim" or "modbus"
	Kind         string    `json:"kind"`
	ModbusConfig string    `json:"modbus_config"`
	Sim          SimConfig `json:"sim"`
}

type TelemetryConfig struct {
	IntervalMs    int `json:"interval_ms"`
	HistoryLen    int `json:"history_len"`
	StatsWindow   int `json:"stats_window"`
	BroadcastMs   int `json:"broadcast_ms"`
	MaxWSClients  int `json:"max_ws_clients"`
	FaultLogDepth int `json:"fault_log_depth"`
}

type Config struct {
	Calibration CalibrationConfig `json:"calibration"`
	Control     ControlConfig     `json:"control"`
	Filter      FilterConfig      `json:"filter"`
	Frontend    FrontendConfig    `json:"frontend"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	HTTPAddr    string            `json:"http_addr"`

	// not loaded from file, but added here to
	// pass to all services alongside config
	EventBus *eventbus.Bus `json:"-"`
	RootDir  string        `json:"-"`
	DataDir  string        `json:"-"`
}

func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a JSON config, applies defaults and validates it.
func Load(r io.Reader) (*Config, error) {
	var c Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default is the configuration used when every field is left empty.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	cal := regulator.DefaultCalibration()
	if c.Calibration.VRef == 0 {
		c.Calibration.VRef = cal.VRef
	}
	if c.Calibration.FullScale == 0 {
		c.Calibration.FullScale = cal.FullScale
	}
	if c.Calibration.VoltageGain == 0 {
		c.Calibration.VoltageGain = cal.VoltageGain
	}
	if c.Calibration.CurrentShuntGain == 0 {
		c.Calibration.CurrentShuntGain = cal.CurrentShuntGain
	}
	if c.Calibration.PWMPeriod == 0 {
		c.Calibration.PWMPeriod = cal.PWMPeriod
	}

	p := regulator.DefaultParams()
	if c.Control.GainSet == "" {
		c.Control.GainSet = regulator.GainsNominal.Name
	}
	if c.Control.SamplePeriodUs == 0 {
		c.Control.SamplePeriodUs = int(p.SamplePeriod / time.Microsecond)
	}
	if c.Control.SetpointV == 0 {
		c.Control.SetpointV = p.Setpoint
	}
	if c.Control.MaxVoltageV == 0 {
		c.Control.MaxVoltageV = p.MaxVoltage
	}
	if c.Control.MaxCurrentA == 0 {
		c.Control.MaxCurrentA = p.MaxCurrent
	}
	if c.Control.RecoveryHysteresis == 0 {
		c.Control.RecoveryHysteresis = p.RecoveryHysteresis
	}
	if c.Control.RestartDuty == 0 {
		c.Control.RestartDuty = p.RestartDuty
	}

	if c.Filter.A1 == 0 && c.Filter.A2 == 0 && c.Filter.B0 == 0 && c.Filter.B1 == 0 {
		f := regulator.SourceIIR
		c.Filter.A1, c.Filter.A2, c.Filter.B0, c.Filter.B1 = f.A1, f.A2, f.B0, f.B1
	}

	if c.Frontend.Kind == "" {
		c.Frontend.Kind = "sim"
	}
	if c.Frontend.ModbusConfig == "" {
		c.Frontend.ModbusConfig = "var/config/frontend.modbus.yml"
	}
	s := &c.Frontend.Sim
	pp := plant.DefaultParams()
	if s.InputVoltage == 0 {
		s.InputVoltage = pp.InputVoltage
	}
	if s.InductanceUH == 0 {
		s.InductanceUH = pp.Inductance * 1e6
	}
	if s.CapacitanceUF == 0 {
		s.CapacitanceUF = pp.Capacitance * 1e6
	}
	if s.LoadOhms == 0 {
		s.LoadOhms = pp.Load
	}
	if s.SeriesOhms == 0 {
		s.SeriesOhms = pp.SeriesResistance
	}

	if c.Telemetry.IntervalMs == 0 {
		c.Telemetry.IntervalMs = 100
	}
	if c.Telemetry.HistoryLen == 0 {
		c.Telemetry.HistoryLen = 3000
	}
	if c.Telemetry.StatsWindow == 0 {
		c.Telemetry.StatsWindow = 50
	}
	if c.Telemetry.BroadcastMs == 0 {
		c.Telemetry.BroadcastMs = 250
	}
	if c.Telemetry.MaxWSClients == 0 {
		c.Telemetry.MaxWSClients = 8
	}
	if c.Telemetry.FaultLogDepth == 0 {
		c.Telemetry.FaultLogDepth = 100
	}

	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
}

func (c *Config) Validate() error {
	if _, _, err := c.Regulator(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Filter.Enabled {
		if err := c.VoltageFilter().Validate(); err != nil {
			return fmt.Errorf("%w: filter: %w", ErrInvalid, err)
		}
	}
	switch c.Frontend.Kind {
	case "sim":
		s := c.Frontend.Sim
		if err := c.Plant().Validate(); err != nil || s.NoiseCodes < 0 {
			return fmt.Errorf("%w: sim parameters: %+v", ErrInvalid, s)
		}
		if _, err := c.LoadSteps(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	case "modbus":
	default:
		return fmt.Errorf("%w: unknown frontend kind %q", ErrInvalid, c.Frontend.Kind)
	}
	if c.Telemetry.IntervalMs < 0 || c.Telemetry.HistoryLen < 0 || c.Telemetry.StatsWindow < 0 {
		return fmt.Errorf("%w: telemetry values must not be negative", ErrInvalid)
	}
	return nil
}

// Regulator builds the immutable controller parameters.
func (c *Config) Regulator() (regulator.Calibration, regulator.Params, error) {
	cal := regulator.Calibration{
		VRef:             c.Calibration.VRef,
		FullScale:        c.Calibration.FullScale,
		VoltageGain:      c.Calibration.VoltageGain,
		CurrentShuntGain: c.Calibration.CurrentShuntGain,
		PWMPeriod:        c.Calibration.PWMPeriod,
	}
	if err := cal.Validate(); err != nil {
		return cal, regulator.Params{}, err
	}

	gains, err := regulator.LookupGains(c.Control.GainSet)
	if err != nil {
		return cal, regulator.Params{}, err
	}
	p := regulator.Params{
		SamplePeriod:       time.Duration(c.Control.SamplePeriodUs) * time.Microsecond,
		Setpoint:           c.Control.SetpointV,
		MaxVoltage:         c.Control.MaxVoltageV,
		MaxCurrent:         c.Control.MaxCurrentA,
		RecoveryHysteresis: c.Control.RecoveryHysteresis,
		RestartDuty:        c.Control.RestartDuty,
	}.WithGains(gains)
	return cal, p, p.Validate()
}

func (c *Config) VoltageFilter() regulator.IIR {
	return regulator.IIR{A1: c.Filter.A1, A2: c.Filter.A2, B0: c.Filter.B0, B1: c.Filter.B1}
}

// CoreOptions returns the regulator options implied by the config.
func (c *Config) CoreOptions() []regulator.Option {
	var opts []regulator.Option
	if c.Filter.Enabled {
		opts = append(opts, regulator.WithVoltageFilter(c.VoltageFilter()))
	}
	return opts
}

func (c *Config) Plant() plant.Params {
	s := c.Frontend.Sim
	return plant.Params{
		InputVoltage:     s.InputVoltage,
		Inductance:       s.InductanceUH * 1e-6,
		Capacitance:      s.CapacitanceUF * 1e-6,
		Load:             s.LoadOhms,
		SeriesResistance: s.SeriesOhms,
	}
}

// LoadSteps returns the named scenario followed by any explicit steps.
func (c *Config) LoadSteps() ([]plant.LoadStep, error) {
	var steps []plant.LoadStep
	if name := c.Frontend.Sim.Scenario; name != "" {
		named, err := plant.Named(name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, named...)
	}
	for _, st := range c.Frontend.Sim.LoadSteps {
		if st.AtMs < 0 || st.LoadOhms < 0 || st.InputVoltage < 0 {
			return nil, fmt.Errorf("bad load step %+v", st)
		}
		steps = append(steps, plant.LoadStep{
			At:           time.Duration(st.AtMs) * time.Millisecond,
			Load:         st.LoadOhms,
			InputVoltage: st.InputVoltage,
		})
	}
	return steps, nil
}

func (c *Config) TelemetryBroadcast() time.Duration {
	return time.Duration(c.Telemetry.BroadcastMs) * time.Millisecond
}

func (c *Config) TelemetryInterval() time.Duration {
	return time.Duration(c.Telemetry.IntervalMs) * time.Millisecond
}
