package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// Two rate-limited cycles in a row trigger the cooldown.
	backoffTriggerCycles = 2
	// DefaultCooldown is how long unforced fetches are skipped after
	// repeated rate-limit signals.
	DefaultCooldown = 300 * time.Second
)

// BackoffController tracks consecutive rate-limited fetch cycles and
// imposes a cooldown window during which only forced fetches run.
// Shared by all fetch invocations; internally synchronized.
type BackoffController struct {
	mu            sync.Mutex
	cooldown      time.Duration
	consecutive   int
	cooldownUntil time.Time
	now           func() time.Time
}

func NewBackoffController(cooldown time.Duration) *BackoffController {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &BackoffController{cooldown: cooldown, now: time.Now}
}

// ShouldSkipFetch reports whether an unforced fetch falls inside an
// active cooldown window.
func (b *BackoffController) ShouldSkipFetch(force bool) bool {
	if force {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.cooldownUntil)
}

// RecordCycleResult feeds one cycle's rate-limit outcome. A second
// consecutive rate-limited cycle escalates to a cooldown and resets the
// counter. A clean cycle resets the counter but leaves an active
// cooldown to expire on its own.
func (b *BackoffController) RecordCycleResult(hadRateLimit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !hadRateLimit {
		b.consecutive = 0
		return
	}

	b.consecutive++
	if b.consecutive >= backoffTriggerCycles {
		b.cooldownUntil = b.now().Add(b.cooldown)
		b.consecutive = 0
		log.Warn().
			Time("until", b.cooldownUntil).
			Msg("repeated rate limiting, backing off")
	}
}

// CooldownUntil returns the end of the active cooldown window, zero time
// if none is active.
func (b *BackoffController) CooldownUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldownUntil
}
