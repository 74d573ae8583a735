package uploadqueue

import (
	"sync"
	"time"
)

// Breaker defaults.
const (
	DefaultCeiling  = 10
	DefaultCooldown = time.Minute
)

// BreakerState is a point-in-time view of a Breaker.
type BreakerState struct {
	Open     bool      `json:"open"`
	Probing  bool      `json:"probing"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"openedAt,omitempty"`
}

// Breaker counts consecutive upload failures. Reaching the ceiling opens it
// for a cooldown; afterwards a single probe is let through. A successful
// probe closes the breaker, a failed one re-opens it.
type Breaker struct {
	mu       sync.Mutex
	ceiling  int
	cooldown time.Duration
	now      func() time.Time

	failures int
	open     bool
	probing  bool
	openedAt time.Time
}

// NewBreaker returns a closed breaker. Non-positive arguments take the defaults.
func NewBreaker(ceiling int, cooldown time.Duration) *Breaker {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		ceiling:  ceiling,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a task may start. When it may not, the returned
// duration is how long until the next probe is possible (zero while a probe
// is already in flight).
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true, 0
	}
	if b.probing {
		return false, 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed < b.cooldown {
		return false, b.cooldown - elapsed
	}
	b.probing = true
	return true, 0
}

// Success closes the breaker and clears the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.probing = false
	b.openedAt = time.Time{}
}

// Failure counts a failed task. It returns true when this failure opened
// (or re-opened) the breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.probing {
		b.probing = false
		b.openedAt = b.now()
		return true
	}
	if !b.open && b.failures >= b.ceiling {
		b.open = true
		b.openedAt = b.now()
		return true
	}
	return false
}

// Neutral releases a probe slot without counting an outcome.
func (b *Breaker) Neutral() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Reset closes the breaker unconditionally.
func (b *Breaker) Reset() {
	b.Success()
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Open:     b.open,
		Probing:  b.probing,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}
