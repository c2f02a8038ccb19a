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

package eventbus

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func TestLatestValueWins(t *testing.T) {
	b := New()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, "loop", false)
	for i := 1; i <= 5; i++ {
		b.Publish("loop", i)
	}
	if got := recv(t, ch); got != 5 {
		t.Fatalf("got %v, want 5", got)
	}
	st := b.Stats()
	if st.Published != 5 || st.Replaced != 4 {
		t.Fatalf("stats %+v", st)
	}
}

func TestSubscribeWithLast(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish("fault", "tripped")
	if v, ok := b.GetLast("fault"); !ok || v != "tripped" {
		t.Fatalf("GetLast=%v,%v", v, ok)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx, "fault", true)
	if got := recv(t, ch); got != "tripped" {
		t.Fatalf("got %v", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch, unsub := b.Subscribe(context.Background(), "loop", false)
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestContextCancelClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "loop", false)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestClose(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe(context.Background(), "loop", false)
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel still open")
	}
	b.Publish("loop", 1) // no-op, must not panic

	late, _ := b.Subscribe(context.Background(), "loop", true)
	if _, ok := <-late; ok {
		t.Fatal("subscribe after close returned open channel")
	}
}
