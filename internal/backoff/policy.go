// internal/backoff/policy.go
package backoff

import (
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

const (
	DefaultFloor      = 1 * time.Second
	DefaultCeiling    = 10 * time.Second
	DefaultMultiplier = 2.0
)

// Config describes reconnect pacing for one feature stream.
type Config struct {
	Floor       time.Duration `mapstructure:"floor"`
	Ceiling     time.Duration `mapstructure:"ceiling"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`       // 0 keeps delays deterministic
	MaxAttempts int           `mapstructure:"max_attempts"` // 0 = unlimited
	Disabled    bool          `mapstructure:"disabled"`

	// Terminal reports an application state after which reconnecting is wasted work.
	Terminal func() bool `mapstructure:"-"`
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Floor <= 0 {
		c.Floor = DefaultFloor
	}
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.Ceiling < c.Floor {
		c.Ceiling = c.Floor
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Policy decides how long to wait before the next reconnect attempt.
// Delays grow by Multiplier from Floor up to Ceiling and fall back to Floor on Reset.
type Policy struct {
	mu       sync.Mutex
	cfg      Config
	exp      *cbackoff.ExponentialBackOff
	attempts int
	halted   bool
}

// New creates a policy from cfg.
func New(cfg Config) *Policy {
	cfg = cfg.withDefaults()
	exp := &cbackoff.ExponentialBackOff{
		InitialInterval:     cfg.Floor,
		RandomizationFactor: cfg.Jitter,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.Ceiling,
	}
	exp.Reset()

	return &Policy{cfg: cfg, exp: exp}
}

// Next returns the delay before the next attempt. ok is false when no further
// attempt should be made: reconnection disabled, attempts exhausted, halted or terminal.
func (p *Policy) Next() (delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.allowedLocked() {
		return 0, false
	}

	p.attempts++
	return p.exp.NextBackOff(), true
}

func (p *Policy) allowedLocked() bool {
	if p.cfg.Disabled || p.halted {
		return false
	}
	if p.cfg.Terminal != nil && p.cfg.Terminal() {
		return false
	}
	if p.cfg.MaxAttempts > 0 && p.attempts >= p.cfg.MaxAttempts {
		return false
	}
	return true
}

// Reset is called after a successful open: the delay returns to the floor and
// the attempt budget is restored.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts = 0
	p.exp.Reset()
}

// Halt permanently stops further attempts until Resume.
func (p *Policy) Halt() {
	p.mu.Lock()
	p.halted = true
	p.mu.Unlock()
}

// Resume clears a previous Halt. Used when the caller explicitly reconnects.
func (p *Policy) Resume() {
	p.mu.Lock()
	p.halted = false
	p.mu.Unlock()
}

// Halted reports whether Next would refuse because of Halt or the terminal predicate.
func (p *Policy) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted || (p.cfg.Terminal != nil && p.cfg.Terminal())
}

// Attempts returns the number of attempts scheduled since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}
