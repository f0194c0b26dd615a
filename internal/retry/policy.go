// Package retry decides whether and when a failed operation is attempted again.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"hydrophone-downloader/internal/errkind"
)

// Config tunes the policy. Zero values fall back to defaults in New.
type Config struct {
	Base     time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration
	// Cap bounds the exponent so delays stop growing after Cap attempts.
	Cap int
	// MaxAttempts is the retry budget per class. Fatal classes always give up.
	MaxAttempts map[errkind.Class]int
	// Jitter returns a multiplier in [0.8, 1.2). Tests inject a constant.
	Jitter func() float64
}

// DefaultMaxAttempts are the budgets used when a class is not configured.
var DefaultMaxAttempts = map[errkind.Class]int{
	errkind.ClassTransient: 5,
	errkind.ClassNotReady:  12,
	errkind.ClassRateLimit: 8,
	errkind.ClassIntegrity: 3,
	errkind.ClassIO:        2,
	errkind.ClassRemote:    2,
}

// Policy is stateless; NextDelay depends only on its arguments and the configuration.
type Policy struct {
	cfg Config
}

func New(cfg Config) *Policy {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Minute
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Cap <= 0 {
		cfg.Cap = 6
	}
	attempts := make(map[errkind.Class]int, len(DefaultMaxAttempts))
	for class, n := range DefaultMaxAttempts {
		attempts[class] = n
	}
	for class, n := range cfg.MaxAttempts {
		if n >= 0 {
			attempts[class] = n
		}
	}
	attempts[errkind.ClassFatal] = 0
	cfg.MaxAttempts = attempts
	if cfg.Jitter == nil {
		cfg.Jitter = func() float64 { return 0.8 + rand.Float64()*0.4 }
	}
	return &Policy{cfg: cfg}
}

// MaxAttempts returns the budget for the kind's class.
func (p *Policy) MaxAttempts(kind errkind.Kind) int {
	return p.cfg.MaxAttempts[kind.Class()]
}

// NextDelay returns the wait before retry number attempt+1, or false once the budget is spent.
func (p *Policy) NextDelay(kind errkind.Kind, attempt int) (time.Duration, bool) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= p.MaxAttempts(kind) {
		return 0, false
	}
	exp := float64(p.cfg.Base) * math.Pow(2, float64(min(attempt, p.cfg.Cap))) * p.cfg.Jitter()
	return clamp(time.Duration(exp), p.cfg.MinDelay, p.cfg.MaxDelay), true
}

// PollBounds are the limits of the adaptive poll interval.
type PollBounds struct {
	Min time.Duration
	Max time.Duration
	// Timeout caps the total wait on one remote job. Zero waits indefinitely.
	Timeout time.Duration
}

// Next doubles prev within bounds, or resets to Min when the remote status changed.
func (b PollBounds) Next(prev time.Duration, changed bool) time.Duration {
	if changed || prev <= 0 {
		return b.Min
	}
	return clamp(prev*2, b.Min, b.Max)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
