// Package ratelimit enforces the chat send cooldown: a fixed window of at
// most Limit messages per Window. It is self-contained state over timestamps
// and does not depend on connectivity, so a cooldown can be reported to the
// user even while offline.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 1
	DefaultWindow = 2 * time.Second
)

type Config struct {
	Limit  int
	Window time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Limit <= 0 {
		out.Limit = DefaultLimit
	}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	return out
}

// State is a snapshot of the current window, suitable for rendering a
// countdown in the UI.
type State struct {
	WindowStartAt time.Time
	SentInWindow  int
	Limit         int
	Window        time.Duration
}

// ResetAt is when the current window elapses and sending is allowed again.
func (s State) ResetAt() time.Time {
	return s.WindowStartAt.Add(s.Window)
}

type Limiter struct {
	cfg Config

	mu          sync.Mutex
	windowStart time.Time
	sent        int

	now func() time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// Attempt records a send attempt. It returns true if the send is allowed.
// When denied it returns the exact time the window resets, so the caller
// can render a deterministic countdown.
func (l *Limiter) Attempt() (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// No prior send, or the window has elapsed: start a new window.
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.cfg.Window {
		l.windowStart = now
		l.sent = 1
		return true, time.Time{}
	}

	if l.sent < l.cfg.Limit {
		l.sent++
		return true, time.Time{}
	}

	return false, l.windowStart.Add(l.cfg.Window)
}

// State returns a snapshot of the current window.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return State{
		WindowStartAt: l.windowStart,
		SentInWindow:  l.sent,
		Limit:         l.cfg.Limit,
		Window:        l.cfg.Window,
	}
}
