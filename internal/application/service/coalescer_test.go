package service

import (
	"testing"
	"time"

	"tickersync/internal/application/port"
)

// fakeBuffer is a deterministic TickBuffer for coalescer tests.
type fakeBuffer struct {
	ticks map[string]port.Tick
}

func newFakeBuffer(ticks ...port.Tick) *fakeBuffer {
	b := &fakeBuffer{ticks: make(map[string]port.Tick)}
	for _, t := range ticks {
		b.ticks[t.Symbol] = t
	}
	return b
}

func (b *fakeBuffer) Drain(max int, apply func(port.Tick) bool) int {
	applied := 0
	visited := 0
	for sym, t := range b.ticks {
		if visited >= max {
			break
		}
		visited++
		if apply(t) {
			delete(b.ticks, sym)
			applied++
		}
	}
	return applied
}

func TestCoalescerFirstUpdateAlwaysApplies(t *testing.T) {
	buf := newFakeBuffer(port.Tick{Symbol: "AAPL", Price: 150})
	c := NewUpdateCoalescer(buf, 50*time.Millisecond, 0.05)

	applied := c.Drain(10)
	if len(applied) != 1 || applied[0].Symbol != "AAPL" {
		t.Fatalf("expected first update applied, got %v", applied)
	}
	if len(buf.ticks) != 0 {
		t.Error("applied update must be removed from the buffer")
	}
}

func TestCoalescerSuppressesSmallRecentChange(t *testing.T) {
	now := time.Unix(1000, 0)
	buf := newFakeBuffer(port.Tick{Symbol: "AAPL", Price: 150.0})
	c := NewUpdateCoalescer(buf, 50*time.Millisecond, 0.05)
	c.now = func() time.Time { return now }

	if applied := c.Drain(10); len(applied) != 1 {
		t.Fatalf("seed drain: expected 1 applied, got %d", len(applied))
	}

	// +0.02% one second later: below the 0.05% threshold, inside the
	// 5s recent window.
	buf.ticks["AAPL"] = port.Tick{Symbol: "AAPL", Price: 150.03}
	now = now.Add(1 * time.Second)

	if applied := c.Drain(10); len(applied) != 0 {
		t.Fatal("insignificant recent change must be suppressed")
	}
	if _, ok := buf.ticks["AAPL"]; !ok {
		t.Fatal("suppressed update must stay buffered for the next drain")
	}

	// Same delta but past the recent window: goes through.
	now = now.Add(5 * time.Second)
	if applied := c.Drain(10); len(applied) != 1 {
		t.Error("small change past the recent window must apply")
	}
}

func TestCoalescerEnforcesMinInterval(t *testing.T) {
	now := time.Unix(1000, 0)
	buf := newFakeBuffer(port.Tick{Symbol: "AAPL", Price: 150})
	c := NewUpdateCoalescer(buf, 50*time.Millisecond, 0.05)
	c.now = func() time.Time { return now }

	c.Drain(10)

	// Large change but only 10ms later.
	buf.ticks["AAPL"] = port.Tick{Symbol: "AAPL", Price: 200}
	now = now.Add(10 * time.Millisecond)
	if applied := c.Drain(10); len(applied) != 0 {
		t.Fatal("updates inside the minimum interval must be suppressed")
	}

	now = now.Add(50 * time.Millisecond)
	if applied := c.Drain(10); len(applied) != 1 {
		t.Error("update must apply once the minimum interval elapsed")
	}
}

func TestCoalescerSignificantChangeAppliesImmediately(t *testing.T) {
	now := time.Unix(1000, 0)
	buf := newFakeBuffer(port.Tick{Symbol: "AAPL", Price: 150})
	c := NewUpdateCoalescer(buf, 50*time.Millisecond, 0.05)
	c.now = func() time.Time { return now }

	c.Drain(10)

	// +1% well above threshold, past the min interval but inside the
	// recent window.
	buf.ticks["AAPL"] = port.Tick{Symbol: "AAPL", Price: 151.5}
	now = now.Add(100 * time.Millisecond)
	if applied := c.Drain(10); len(applied) != 1 {
		t.Error("significant change must apply despite the recent window")
	}
}

func TestCoalescerBoundsWorkPerDrain(t *testing.T) {
	buf := newFakeBuffer(
		port.Tick{Symbol: "A", Price: 1},
		port.Tick{Symbol: "B", Price: 2},
		port.Tick{Symbol: "C", Price: 3},
	)
	c := NewUpdateCoalescer(buf, 50*time.Millisecond, 0.05)

	if applied := c.Drain(2); len(applied) != 2 {
		t.Fatalf("expected drain bounded to 2, got %d", len(applied))
	}
	if len(buf.ticks) != 1 {
		t.Errorf("expected 1 tick left buffered, got %d", len(buf.ticks))
	}
}
