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

package telemetry

import (
	"psuctl/internal/events"

	"github.com/bsm/openmetrics"
)

type metrics struct {
	reg        *openmetrics.Registry
	volts      openmetrics.GaugeFamily
	amps       openmetrics.GaugeFamily
	duty       openmetrics.GaugeFamily
	integral   openmetrics.GaugeFamily
	setpoint   openmetrics.GaugeFamily
	latched    openmetrics.GaugeFamily
	ticks      openmetrics.GaugeFamily
	overruns   openmetrics.GaugeFamily
	worstTick  openmetrics.GaugeFamily
	trips      openmetrics.CounterFamily
	recoveries openmetrics.CounterFamily
}

func newMetrics() *metrics {
	reg := openmetrics.NewRegistry()
	return &metrics{
		reg: reg,
		volts: reg.Gauge(openmetrics.Desc{
			Name: "psu_output_voltage",
			Unit: "volts",
			Help: "Output voltage seen by the last tick",
		}),
		amps: reg.Gauge(openmetrics.Desc{
			Name: "psu_output_current",
			Unit: "amperes",
			Help: "Output current seen by the last tick",
		}),
		duty: reg.Gauge(openmetrics.Desc{
			Name: "psu_duty_ratio",
			Help: "Commanded PWM duty cycle",
		}),
		integral: reg.Gauge(openmetrics.Desc{
			Name: "psu_integral_error",
			Help: "PI regulator accumulated error",
		}),
		setpoint: reg.Gauge(openmetrics.Desc{
			Name: "psu_setpoint",
			Unit: "volts",
			Help: "Regulation target",
		}),
		latched: reg.Gauge(openmetrics.Desc{
			Name: "psu_fault_latched",
			Help: "1 while the output is latched off",
		}),
		ticks: reg.Gauge(openmetrics.Desc{
			Name: "psu_loop_ticks",
			Help: "Control ticks run since start",
		}),
		overruns: reg.Gauge(openmetrics.Desc{
			Name: "psu_loop_overruns",
			Help: "Ticks that took longer than the sample period",
		}),
		worstTick: reg.Gauge(openmetrics.Desc{
			Name: "psu_loop_worst_tick",
			Unit: "seconds",
			Help: "Longest tick observed",
		}),
		trips: reg.Counter(openmetrics.Desc{
			Name: "psu_fault_trips",
			Help: "Number of times the fault latch tripped",
		}),
		recoveries: reg.Counter(openmetrics.Desc{
			Name: "psu_fault_recoveries",
			Help: "Number of automatic restarts after a fault",
		}),
	}
}

// observe sets the gauges from snap and advances the transition counters
// by what the loop counted since prev.
func (m *metrics) observe(prev *events.LoopSnapshot, snap events.LoopSnapshot) {
	m.volts.With().Set(snap.Volts)
	m.amps.With().Set(snap.Amps)
	m.duty.With().Set(snap.Duty)
	m.integral.With().Set(snap.Integral)
	m.setpoint.With().Set(snap.Setpoint)
	m.latched.With().Set(b2f(snap.Latched))
	m.ticks.With().Set(float64(snap.Ticks))
	m.overruns.With().Set(float64(snap.Overruns))
	m.worstTick.With().Set(snap.WorstTick.Seconds())

	var trips, recoveries uint64
	if prev != nil {
		trips, recoveries = prev.Trips, prev.Recoveries
	}
	if snap.Trips > trips {
		m.trips.With().Add(float64(snap.Trips - trips))
	}
	if snap.Recoveries > recoveries {
		m.recoveries.With().Add(float64(snap.Recoveries - recoveries))
	}
}

func (m *metrics) latch(latched bool) {
	m.latched.With().Set(b2f(latched))
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
