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

// Package telemetry keeps a short history of loop snapshots and serves
// it read-only over HTTP, websocket and OpenMetrics.
package telemetry

import (
	"context"
	"sync"
	"time"

	"psuctl/internal/events"
	"psuctl/pkg/eventbus"
	"psuctl/pkg/logger"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type Options struct {
	HistoryLen  int
	StatsWindow int
	MaxClients  int
	Broadcast   time.Duration
	// written by the loop; nil serves an empty fault list
	Faults *events.FaultLog
}

// Sample is the JSON view of one loop snapshot.
type Sample struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Mode     string    `json:"mode"`
	Volts    float64   `json:"volts"`
	Amps     float64   `json:"amps"`
	Duty     float64   `json:"duty"`
	Integral float64   `json:"integral"`
	Setpoint float64   `json:"setpoint"`
	Latched  bool      `json:"latched"`
}

type VoltageStats struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	// mean minus setpoint
	Error float64 `json:"error"`
}

type Status struct {
	Latest     *Sample        `json:"latest"`
	Latched    bool           `json:"latched"`
	Trips      uint64         `json:"trips"`
	Recoveries uint64         `json:"recoveries"`
	Ticks      uint64         `json:"ticks"`
	Overruns   uint64         `json:"overruns"`
	WorstTick  string         `json:"worst_tick"`
	Voltage    VoltageStats   `json:"voltage"`
	Bus        eventbus.Stats `json:"bus"`
}

type Service struct {
	bus     *eventbus.Bus
	opts    Options
	log     *logger.Logger
	metrics *metrics
	clients *clientSet

	mu      sync.Mutex
	history []Sample
	latest  *events.LoopSnapshot
	latched bool
}

func New(bus *eventbus.Bus, opts Options) *Service {
	opts.HistoryLen = max(opts.HistoryLen, 1)
	opts.StatsWindow = max(opts.StatsWindow, 1)
	if opts.Broadcast <= 0 {
		opts.Broadcast = 250 * time.Millisecond
	}
	log := logger.New("Telemetry")
	return &Service{
		bus:     bus,
		opts:    opts,
		log:     log,
		metrics: newMetrics(),
		clients: newClientSet(opts.MaxClients, log),
	}
}

func (s *Service) String() string { return "telemetry" }

func (s *Service) Run(ctx context.Context) {
	s.log.Info("Running...")
	defer s.log.Info("Stopped")

	snapshots, _ := s.bus.Subscribe(ctx, events.TopicSnapshot, true)
	faults, _ := s.bus.Subscribe(ctx, events.TopicFault, true)

	ticker := time.NewTicker(s.opts.Broadcast)
	defer ticker.Stop()
	defer s.clients.closeAll()

	var sent uint64
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-snapshots:
			if !ok {
				return
			}
			s.record(ev.(events.LoopSnapshot))

		case ev, ok := <-faults:
			if !ok {
				return
			}
			s.recordFault(ev.(events.FaultUpdate))

		case <-ticker.C:
			if latest, ok := s.Latest(); ok && latest.Seq != sent {
				sent = latest.Seq
				s.clients.broadcast(latest)
			}
		}
	}
}

func (s *Service) record(snap events.LoopSnapshot) {
	sample := Sample{
		Seq:      snap.Seq,
		Time:     snap.Time,
		Mode:     snap.Mode.String(),
		Volts:    snap.Volts,
		Amps:     snap.Amps,
		Duty:     snap.Duty,
		Integral: snap.Integral,
		Setpoint: snap.Setpoint,
		Latched:  snap.Latched,
	}

	s.mu.Lock()
	prev := s.latest
	s.latest = &snap
	s.latched = snap.Latched
	s.history = append(s.history, sample)
	if over := len(s.history) - s.opts.HistoryLen; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.mu.Unlock()

	s.metrics.observe(prev, snap)
}

// recordFault only tracks the latch state. Transitions are counted by the
// loop and arrive with the next snapshot.
func (s *Service) recordFault(f events.FaultUpdate) {
	s.mu.Lock()
	s.latched = f.Latched
	s.mu.Unlock()
	s.metrics.latch(f.Latched)
}

func (s *Service) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return Sample{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns up to n of the most recent samples, oldest first.
// n <= 0 returns everything kept.
func (s *Service) History(n int) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	if n > 0 && n < len(h) {
		h = h[len(h)-n:]
	}
	out := make([]Sample, len(h))
	copy(out, h)
	return out
}

func (s *Service) Faults() []events.FaultUpdate {
	if s.opts.Faults == nil {
		return []events.FaultUpdate{}
	}
	return s.opts.Faults.Entries()
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Latched: s.latched,
		Bus:     s.bus.Stats(),
	}
	if s.latest != nil {
		st.Trips = s.latest.Trips
		st.Recoveries = s.latest.Recoveries
		st.Ticks = s.latest.Ticks
		st.Overruns = s.latest.Overruns
		st.WorstTick = s.latest.WorstTick.String()
	}
	if n := len(s.history); n > 0 {
		latest := s.history[n-1]
		st.Latest = &latest
		st.Voltage = voltageStats(s.history[max(0, n-s.opts.StatsWindow):])
	}
	return st
}

func voltageStats(samples []Sample) VoltageStats {
	if len(samples) == 0 {
		return VoltageStats{}
	}
	volts := make([]float64, len(samples))
	for i, s := range samples {
		volts[i] = s.Volts
	}
	mean, std := stat.MeanStdDev(volts, nil)
	if len(volts) == 1 {
		std = 0
	}
	return VoltageStats{
		N:      len(volts),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(volts),
		Max:    floats.Max(volts),
		Error:  mean - samples[len(samples)-1].Setpoint,
	}
}
