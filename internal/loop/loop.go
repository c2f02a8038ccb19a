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

// Package loop drives the regulator core at its sample period.
package loop

import (
	"context"
	"sync/atomic"
	"time"

	"psuctl/internal/events"
	"psuctl/internal/regulator"
	"psuctl/pkg/eventbus"
	"psuctl/pkg/logger"
)

// Output is the part of the front end the loop touches directly.
type Output interface {
	regulator.Actuator
	regulator.FaultIndicator
}

type Stats struct {
	Ticks      uint64
	Overruns   uint64
	LastTick   time.Duration
	WorstTick  time.Duration
	Trips      uint64
	Recoveries uint64
}

func (s Stats) Map() map[string]any {
	return map[string]any{
		"ticks":         s.Ticks,
		"overruns":      s.Overruns,
		"last_tick_us":  s.LastTick.Microseconds(),
		"worst_tick_us": s.WorstTick.Microseconds(),
		"trips":         s.Trips,
		"recoveries":    s.Recoveries,
	}
}

// Loop owns the core. Nothing else may call into it once Run has started;
// other goroutines use RequestLatch and the event bus.
type Loop struct {
	core         *regulator.Core
	out          Output
	bus          *eventbus.Bus
	period       time.Duration
	publishEvery time.Duration
	latchCh      chan struct{}
	faults       *events.FaultLog
	log          *logger.Logger

	lastPublish time.Time

	ticks    atomic.Uint64
	overruns atomic.Uint64
	last     atomic.Int64
	worst    atomic.Int64

	trips      atomic.Uint64
	recoveries atomic.Uint64
}

// New returns a loop around core. Every latch transition is appended to
// faults, which may be nil.
func New(core *regulator.Core, out Output, bus *eventbus.Bus, faults *events.FaultLog, publishEvery time.Duration) *Loop {
	return &Loop{
		core:         core,
		out:          out,
		bus:          bus,
		period:       core.Params().SamplePeriod,
		publishEvery: publishEvery,
		latchCh:      make(chan struct{}, 1),
		faults:       faults,
		log:          logger.New("Loop"),
	}
}

func (l *Loop) String() string { return "loop" }

func (l *Loop) Run(ctx context.Context) {
	l.log.Info("Running at %v per tick", l.period)
	defer l.log.Info("Stopped")

	l.out.SetAlarm(false)

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return

		case <-ticker.C:
			l.tick()
		}
	}
}

// RequestLatch asks the loop to latch the fault at the start of its next
// tick. Safe to call from any goroutine.
func (l *Loop) RequestLatch() {
	select {
	case l.latchCh <- struct{}{}:
	default:
	}
}

func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:      l.ticks.Load(),
		Overruns:   l.overruns.Load(),
		LastTick:   time.Duration(l.last.Load()),
		WorstTick:  time.Duration(l.worst.Load()),
		Trips:      l.trips.Load(),
		Recoveries: l.recoveries.Load(),
	}
}

func (l *Loop) tick() regulator.TickResult {
	start := time.Now()

	// a requested latch takes the whole tick so the recovery check
	// cannot clear it in the same period
	select {
	case <-l.latchCh:
		if l.core.Latch() {
			l.log.Warn("fault latched on request")
			l.publishFault(true, 0, 0, true, start)
		}
		l.account(time.Since(start))
		return regulator.TickResult{Seq: l.core.Seq(), Mode: regulator.ModeFaulted, Latched: true}
	default:
	}

	res := l.core.Tick()
	l.account(time.Since(start))

	switch {
	case res.Tripped:
		l.log.Warn("fault latched: %.3fV %.3fA (tick %d)", res.Volts, res.Amps, res.Seq)
		l.publishFault(true, res.Volts, res.Amps, false, start)
	case res.Recovered:
		l.log.Info("fault cleared at %.3fV, restarting", res.Volts)
		l.publishFault(false, res.Volts, res.Amps, false, start)
	}

	if res.Tripped || res.Recovered || start.Sub(l.lastPublish) >= l.publishEvery {
		l.lastPublish = start
		l.publishSnapshot(res, start)
	}
	return res
}

// account records tick timing. An overrun is a platform timing fault;
// it is counted, nothing else.
func (l *Loop) account(d time.Duration) {
	l.ticks.Add(1)
	l.last.Store(int64(d))
	for {
		w := l.worst.Load()
		if int64(d) <= w || l.worst.CompareAndSwap(w, int64(d)) {
			break
		}
	}
	if d > l.period {
		if l.overruns.Add(1) == 1 {
			l.log.Warn("tick took %v, longer than the %v period", d, l.period)
		}
	}
}

func (l *Loop) shutdown() {
	if l.core.Latch() {
		l.publishFault(true, 0, 0, true, time.Now())
	}
	st := l.Stats()
	l.log.Info("output off after %d ticks (%d overruns, worst %v)", st.Ticks, st.Overruns, st.WorstTick)
}

// publishFault counts the transition and records it before publishing,
// since the bus may replace an update nobody has read yet.
func (l *Loop) publishFault(latched bool, volts, amps float64, external bool, now time.Time) {
	if latched {
		l.trips.Add(1)
	} else {
		l.recoveries.Add(1)
	}
	f := events.FaultUpdate{
		Latched:  latched,
		Seq:      l.core.Seq(),
		Volts:    volts,
		Amps:     amps,
		External: external,
		Time:     now,
	}
	if l.faults != nil {
		l.faults.Add(f)
	}
	if l.bus != nil {
		l.bus.Publish(events.TopicFault, f)
	}
}

func (l *Loop) publishSnapshot(res regulator.TickResult, now time.Time) {
	if l.bus == nil {
		return
	}
	st := l.Stats()
	l.bus.Publish(events.TopicSnapshot, events.LoopSnapshot{
		TickResult: res,
		Setpoint:   l.core.Params().Setpoint,
		Ticks:      st.Ticks,
		Overruns:   st.Overruns,
		WorstTick:  st.WorstTick,
		Trips:      st.Trips,
		Recoveries: st.Recoveries,
		Time:       now,
	})
}
