package service

import (
	"sync"
	"time"

	"tickersync/internal/application/port"
)

const (
	// DefaultMinUpdateInterval is the minimum spacing between applied
	// updates for one symbol.
	DefaultMinUpdateInterval = 50 * time.Millisecond
	// DefaultMinChangePct suppresses fractional price moves below this
	// percentage when the last applied update is recent.
	DefaultMinChangePct = 0.05
	// recentWindow bounds how long the change-threshold suppression
	// applies; after it any change goes through.
	recentWindow = 5 * time.Second
)

type appliedState struct {
	price float64
	at    time.Time
}

// UpdateCoalescer drains the streaming tick buffer on a fixed cadence,
// rate-limits per-symbol update frequency and suppresses insignificant
// deltas. This is the backpressure stage between streaming bursts and
// the consumer-visible price tables: drains do bounded work and never
// touch the network.
type UpdateCoalescer struct {
	buf          port.TickBuffer
	minInterval  time.Duration
	minChangePct float64

	mu   sync.Mutex
	last map[string]appliedState
	now  func() time.Time
}

func NewUpdateCoalescer(buf port.TickBuffer, minInterval time.Duration, minChangePct float64) *UpdateCoalescer {
	if minInterval <= 0 {
		minInterval = DefaultMinUpdateInterval
	}
	if minChangePct <= 0 {
		minChangePct = DefaultMinChangePct
	}
	return &UpdateCoalescer{
		buf:          buf,
		minInterval:  minInterval,
		minChangePct: minChangePct,
		last:         make(map[string]appliedState),
		now:          time.Now,
	}
}

// Drain visits up to maxSymbols buffered ticks and applies those that
// pass the rate and change thresholds. Skipped entries stay buffered for
// the next drain. Returns the applied ticks in buffer order.
func (c *UpdateCoalescer) Drain(maxSymbols int) []port.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var applied []port.Tick
	c.buf.Drain(maxSymbols, func(t port.Tick) bool {
		if !c.shouldApply(t, now) {
			return false
		}
		c.last[t.Symbol] = appliedState{price: t.Price, at: now}
		applied = append(applied, t)
		return true
	})
	return applied
}

func (c *UpdateCoalescer) shouldApply(t port.Tick, now time.Time) bool {
	prev, ok := c.last[t.Symbol]
	if !ok {
		return true
	}
	elapsed := now.Sub(prev.at)
	if elapsed < c.minInterval {
		return false
	}
	if prev.price != 0 && elapsed < recentWindow {
		change := (t.Price - prev.price) / prev.price * 100
		if change < 0 {
			change = -change
		}
		if change < c.minChangePct {
			return false
		}
	}
	return true
}
