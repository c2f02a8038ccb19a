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

package events

import (
	"time"

	"psuctl/internal/regulator"
	"psuctl/pkg/eventbus"
)

var (
	TopicFault    eventbus.Topic = "fault"
	TopicSnapshot eventbus.Topic = "snapshot"
)

// FaultUpdate is published whenever the latch trips or clears.
type FaultUpdate struct {
	Latched bool
	Seq     uint64
	Volts   float64
	Amps    float64
	// set when the latch was requested from outside the loop
	// rather than by a limit violation
	External bool
	Time     time.Time
}

// LoopSnapshot is a copy of the latest tick plus loop timing.
type LoopSnapshot struct {
	regulator.TickResult
	Setpoint  float64
	Ticks     uint64
	Overruns  uint64
	WorstTick time.Duration
	// latch transitions since start, counted by the loop
	Trips      uint64
	Recoveries uint64
	Time       time.Time
}
