// Package connection owns the realtime transport subscription lifecycle.
// It is the single source of truth for connectivity: transport failures are
// never returned to callers, they drive the reconnection state machine and
// surface through status change events only.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"parlor/internal/models"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Subscription is one live feed of events from the transport.
type Subscription interface {
	// Done yields the terminal error once the subscription ends.
	Done() <-chan error
	// UpdateToken rotates the auth credential in-band. Returning an error
	// means the transport cannot rotate without reconnecting.
	UpdateToken(token string) error
	Close() error
}

// Transport opens subscriptions against the realtime channel.
type Transport interface {
	Subscribe(ctx context.Context, token string, onEvent func(models.Event)) (Subscription, error)
}

// StatusChange is delivered to status handlers and returned by Status.
// Attempt/MaxAttempts let a UI render reconnect progress.
type StatusChange struct {
	Status      Status
	Attempt     int
	MaxAttempts int
	Err         error
}

type Config struct {
	Token       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseDelay <= 0 {
		out.BaseDelay = DefaultBaseDelay
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

type Manager struct {
	cfg       Config
	transport Transport
	log       *slog.Logger

	mu         sync.Mutex
	status     Status
	attempt    int
	lastErr    error
	token      string
	sub        Subscription
	cancel     context.CancelFunc
	running    bool
	nextSubID  int
	statusSubs map[int]func(StatusChange)
	eventSubs  map[int]func(models.Event)
}

func NewManager(cfg Config, transport Transport) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:        cfg,
		transport:  transport,
		log:        cfg.Logger,
		status:     StatusDisconnected,
		token:      cfg.Token,
		statusSubs: make(map[int]func(StatusChange)),
		eventSubs:  make(map[int]func(models.Event)),
	}
}

// Backoff computes the reconnect delay before retry number attempt
// (zero-based), capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// withJitter spreads the delay by ±20% so clients that lost the same server
// do not reconnect in lockstep.
func withJitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

// Connect starts the subscription loop. It is idempotent: a no-op while the
// manager is already connecting, connected or reconnecting.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.attempt = 0
	m.lastErr = nil
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(runCtx)
}

// Disconnect tears the subscription down, cancels any pending reconnect
// timer and settles in the disconnected state. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running && m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	sub := m.sub
	m.sub = nil
	m.running = false
	m.status = StatusDisconnected
	m.lastErr = nil
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	m.notifyStatus()
}

// Status returns the current connectivity snapshot.
func (m *Manager) Status() StatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StatusChange{
		Status:      m.status,
		Attempt:     m.attempt,
		MaxAttempts: m.cfg.MaxAttempts,
		Err:         m.lastErr,
	}
}

// OnStatusChange registers a handler for connectivity changes and returns
// its disposer.
func (m *Manager) OnStatusChange(fn func(StatusChange)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.statusSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.statusSubs, id)
	}
}

// OnEvent registers a handler for raw inbound transport events and returns
// its disposer.
func (m *Manager) OnEvent(fn func(models.Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.eventSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.eventSubs, id)
	}
}

// UpdateToken rotates the auth credential. If the live subscription cannot
// rotate in-band the subscription is closed, which sends the manager through
// a reconnect cycle with the new token.
func (m *Manager) UpdateToken(token string) {
	m.mu.Lock()
	m.token = token
	sub := m.sub
	m.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.UpdateToken(token); err != nil {
		m.log.Warn("in-band token rotation unsupported, reconnecting", "error", err)
		_ = sub.Close()
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.shutdown()
	for {
		if ctx.Err() != nil {
			return
		}
		m.setStatus(StatusConnecting, nil)

		m.mu.Lock()
		token := m.token
		m.mu.Unlock()

		sub, err := m.transport.Subscribe(ctx, token, m.dispatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, models.ErrAuthExpired) {
				m.terminate(err)
				return
			}
			if !m.backoffWait(ctx, err) {
				return
			}
			continue
		}

		m.mu.Lock()
		m.sub = sub
		m.attempt = 0
		m.mu.Unlock()
		m.setStatus(StatusConnected, nil)

		select {
		case err := <-sub.Done():
			m.mu.Lock()
			m.sub = nil
			m.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, models.ErrAuthExpired) {
				m.terminate(err)
				return
			}
			if err == nil {
				err = errors.New("subscription closed")
			}
			if !m.backoffWait(ctx, &models.ConnectionError{Err: err}) {
				return
			}
		case <-ctx.Done():
			_ = sub.Close()
			m.mu.Lock()
			m.sub = nil
			m.mu.Unlock()
			return
		}
	}
}

// backoffWait moves to reconnecting and sleeps out the backoff delay.
// It returns false when attempts are exhausted or the context is done;
// exhaustion settles in disconnected, which requires an explicit Connect
// to leave.
func (m *Manager) backoffWait(ctx context.Context, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	if m.attempt >= m.cfg.MaxAttempts {
		m.running = false
		m.status = StatusDisconnected
		m.lastErr = cause
		m.mu.Unlock()
		m.log.Warn("reconnect attempts exhausted", "max", m.cfg.MaxAttempts, "error", cause)
		m.notifyStatus()
		return false
	}
	m.attempt++
	attempt := m.attempt
	m.status = StatusReconnecting
	m.lastErr = cause
	m.mu.Unlock()
	m.notifyStatus()

	delay := withJitter(Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, attempt-1))
	m.log.Info("reconnecting", "attempt", attempt, "max", m.cfg.MaxAttempts, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// shutdown settles the manager in disconnected when run exits for a reason
// that did not already do so: external context cancellation, or a Disconnect
// racing the loop's own status writes. A no-op if the state is already
// settled, so terminal paths do not emit a second status change.
func (m *Manager) shutdown() {
	m.mu.Lock()
	if !m.running && m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.status = StatusDisconnected
	m.mu.Unlock()
	m.notifyStatus()
}

func (m *Manager) terminate(err error) {
	m.mu.Lock()
	m.running = false
	m.status = StatusDisconnected
	m.lastErr = err
	m.mu.Unlock()
	m.notifyStatus()
}

func (m *Manager) setStatus(status Status, err error) {
	m.mu.Lock()
	m.status = status
	m.lastErr = err
	m.mu.Unlock()
	m.notifyStatus()
}

func (m *Manager) notifyStatus() {
	m.mu.Lock()
	change := StatusChange{
		Status:      m.status,
		Attempt:     m.attempt,
		MaxAttempts: m.cfg.MaxAttempts,
		Err:         m.lastErr,
	}
	handlers := make([]func(StatusChange), 0, len(m.statusSubs))
	for _, fn := range m.statusSubs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(change)
	}
}

func (m *Manager) dispatch(ev models.Event) {
	m.mu.Lock()
	handlers := make([]func(models.Event), 0, len(m.eventSubs))
	for _, fn := range m.eventSubs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
