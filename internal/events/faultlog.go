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

import "sync"

// FaultLog keeps the most recent latch transitions in order. The bus only
// holds the latest value per topic, so the loop writes every transition
// here as well and readers never miss one.
type FaultLog struct {
	mu      sync.Mutex
	depth   int
	entries []FaultUpdate
}

func NewFaultLog(depth int) *FaultLog {
	return &FaultLog{depth: max(depth, 1)}
}

func (f *FaultLog) Add(u FaultUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, u)
	if over := len(f.entries) - f.depth; over > 0 {
		f.entries = append(f.entries[:0], f.entries[over:]...)
	}
}

// Entries returns a copy of the log, oldest first.
func (f *FaultLog) Entries() []FaultUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FaultUpdate, len(f.entries))
	copy(out, f.entries)
	return out
}
