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

package loop

import (
	"context"
	"math"
	"testing"
	"time"

	"psuctl/internal/events"
	"psuctl/internal/regulator"
	"psuctl/pkg/eventbus"
)

// 1 code = 0.1 mV or 0.1 mA
var testCal = regulator.Calibration{VRef: 1, FullScale: 10000, VoltageGain: 1, CurrentShuntGain: 1, PWMPeriod: 1000}

type board struct {
	vcode, icode uint16
	duty         float64
	alarm        bool
}

func (b *board) SampleVoltage() uint16 { return b.vcode }
func (b *board) SampleCurrent() uint16 { return b.icode }
func (b *board) SetDuty(d float64)     { b.duty = d }
func (b *board) SetAlarm(on bool)      { b.alarm = on }

func (b *board) set(volts float64) { b.vcode = uint16(math.Round(volts * 10000)) }

func newLoop(t *testing.T, p regulator.Params, publishEvery time.Duration) (*Loop, *board, *eventbus.Bus) {
	t.Helper()
	b := &board{}
	core, err := regulator.NewCore(testCal, p, b, b, b, b)
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	return New(core, b, bus, events.NewFaultLog(16), publishEvery), b, bus
}

func lastFault(t *testing.T, bus *eventbus.Bus) events.FaultUpdate {
	t.Helper()
	ev, ok := bus.GetLast(events.TopicFault)
	if !ok {
		t.Fatal("no fault event published")
	}
	return ev.(events.FaultUpdate)
}

func TestTripAndRecoveryArePublished(t *testing.T) {
	l, b, bus := newLoop(t, regulator.DefaultParams(), time.Hour)

	b.set(6)
	if res := l.tick(); !res.Tripped {
		t.Fatalf("no trip at 6V: %+v", res)
	}
	if f := lastFault(t, bus); !f.Latched || f.External || f.Seq != 1 {
		t.Fatalf("fault = %+v", f)
	}

	b.set(5)
	if res := l.tick(); !res.Latched || b.duty != 0 {
		t.Fatalf("cleared above threshold: %+v", res)
	}

	b.set(4)
	if res := l.tick(); !res.Recovered {
		t.Fatalf("no recovery at 4V: %+v", res)
	}
	if f := lastFault(t, bus); f.Latched || f.Seq != 3 {
		t.Fatalf("fault = %+v", f)
	}
	if b.alarm || b.duty != 0.1 {
		t.Fatalf("alarm=%v duty=%v after recovery", b.alarm, b.duty)
	}
}

func TestRequestLatch(t *testing.T) {
	l, b, bus := newLoop(t, regulator.DefaultParams(), time.Hour)
	b.set(5)
	l.tick()

	l.RequestLatch()
	l.RequestLatch()
	res := l.tick()
	if !res.Latched || b.duty != 0 || !b.alarm {
		t.Fatalf("res=%+v duty=%v alarm=%v", res, b.duty, b.alarm)
	}
	if f := lastFault(t, bus); !f.External {
		t.Fatalf("fault = %+v", f)
	}

	// the second request was coalesced; the latch now behaves like a trip
	b.set(4)
	if res := l.tick(); !res.Recovered {
		t.Fatalf("res = %+v", res)
	}
}

func TestSnapshotInterval(t *testing.T) {
	l, b, bus := newLoop(t, regulator.DefaultParams(), time.Hour)
	b.set(4.9)
	for range 3 {
		l.tick()
	}
	ev, ok := bus.GetLast(events.TopicSnapshot)
	if !ok {
		t.Fatal("no snapshot")
	}
	if s := ev.(events.LoopSnapshot); s.Seq != 1 || s.Setpoint != 5 {
		t.Fatalf("snapshot = %+v", s)
	}

	l, b, bus = newLoop(t, regulator.DefaultParams(), 0)
	b.set(4.9)
	for range 3 {
		l.tick()
	}
	ev, _ = bus.GetLast(events.TopicSnapshot)
	// 0.1V error: Kp term 0.1 plus three ticks of integral
	s := ev.(events.LoopSnapshot)
	if s.Seq != 3 || s.Ticks != 3 || s.Mode != regulator.ModeNormal || math.Abs(s.Duty-0.1012) > 1e-9 {
		t.Fatalf("snapshot = %+v", s)
	}

	b.set(4)
	l.tick()
	ev, _ = bus.GetLast(events.TopicSnapshot)
	if s := ev.(events.LoopSnapshot); s.Mode != regulator.ModeSaturated || s.Duty != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestEveryTransitionIsCounted(t *testing.T) {
	l, b, bus := newLoop(t, regulator.DefaultParams(), time.Hour)

	// subscriber that never reads; the bus keeps only the last update
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Subscribe(ctx, events.TopicFault, false)

	for range 50 {
		b.set(6)
		l.tick()
		b.set(4)
		l.tick()
	}

	st := l.Stats()
	if st.Trips != 50 || st.Recoveries != 50 {
		t.Fatalf("stats = %+v", st)
	}
	log := l.faults.Entries()
	if len(log) != 16 {
		t.Fatalf("fault log has %d entries", len(log))
	}
	for i := 1; i < len(log); i++ {
		if log[i].Latched == log[i-1].Latched || log[i].Seq != log[i-1].Seq+1 {
			t.Fatalf("fault log out of order at %d: %+v", i, log)
		}
	}

	// transitions publish a snapshot even inside the interval
	ev, ok := bus.GetLast(events.TopicSnapshot)
	if !ok {
		t.Fatal("no snapshot")
	}
	if s := ev.(events.LoopSnapshot); s.Trips != 50 || s.Recoveries != 50 || !s.Recovered {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestOverrunAccounting(t *testing.T) {
	l, _, _ := newLoop(t, regulator.DefaultParams(), time.Hour)
	l.account(50 * time.Microsecond)
	l.account(300 * time.Microsecond)
	l.account(80 * time.Microsecond)

	st := l.Stats()
	if st.Ticks != 3 || st.Overruns != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.WorstTick != 300*time.Microsecond || st.LastTick != 80*time.Microsecond {
		t.Fatalf("stats = %+v", st)
	}
	if st.Map()["worst_tick_us"] != int64(300) {
		t.Fatalf("map = %v", st.Map())
	}
}

func TestRunLatchesOnShutdown(t *testing.T) {
	p := regulator.DefaultParams()
	p.SamplePeriod = time.Millisecond
	l, b, bus := newLoop(t, p, 0)
	b.set(5)
	b.alarm = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	if b.duty != 0 || !b.alarm {
		t.Fatalf("duty=%v alarm=%v after shutdown", b.duty, b.alarm)
	}
	if l.Stats().Ticks == 0 {
		t.Fatal("no ticks ran")
	}
	if f := lastFault(t, bus); !f.Latched || !f.External {
		t.Fatalf("fault = %+v", f)
	}
}
