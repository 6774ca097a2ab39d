// Package chatclient composes the connection manager, message pipeline,
// rate limiter and presence tracker behind the single interface the UI
// consumes. It owns wiring subscriptions on Start and tears everything down
// exactly once on Close.
package chatclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parlor/internal/connection"
	"parlor/internal/models"
	"parlor/internal/pipeline"
	"parlor/internal/presence"
	"parlor/internal/ratelimit"
)

type Config struct {
	Self  models.User
	Token string

	CacheCapacity int
	Cooldown      ratelimit.Config

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration

	Logger *slog.Logger
}

// Deps are the external collaborators: the message store, the presence API
// and the realtime transport.
type Deps struct {
	Store     pipeline.Store
	Presence  presence.API
	Transport connection.Transport
}

type Client struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	conn    *connection.Manager
	pipe    *pipeline.Pipeline
	limiter *ratelimit.Limiter

	mu           sync.Mutex
	pres         *presence.Tracker
	started      bool
	closed       bool
	bootstrapped bool
	runCtx       context.Context
	cancel       context.CancelFunc
	disposers    []func()
}

func New(cfg Config, deps Deps) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limiter := ratelimit.New(cfg.Cooldown)
	c := &Client{
		cfg:     cfg,
		deps:    deps,
		log:     cfg.Logger,
		limiter: limiter,
	}
	c.pipe = pipeline.New(pipeline.Config{
		Self:     cfg.Self,
		Capacity: cfg.CacheCapacity,
		Limiter:  limiter,
		Logger:   cfg.Logger,
	}, deps.Store)
	c.conn = connection.NewManager(connection.Config{
		Token:       cfg.Token,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      cfg.Logger,
	}, deps.Transport)
	return c
}

// Start wires subscriptions and opens the connection. Re-entrant calls are
// no-ops so a re-invoked mount can never produce duplicate subscriptions.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.pres = presence.NewTracker(runCtx, presence.Config{
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		StaleThreshold:    c.cfg.StaleThreshold,
		Logger:            c.cfg.Logger,
	}, c.deps.Presence)

	c.disposers = append(c.disposers,
		c.conn.OnEvent(c.route),
		c.conn.OnStatusChange(c.handleStatus),
	)
	pres := c.pres
	c.mu.Unlock()

	go pres.Run(runCtx)
	c.conn.Connect(runCtx)
	return nil
}

// Close tears down all subscriptions, timers and the transport connection.
// Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	disposers := c.disposers
	c.disposers = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	c.conn.Disconnect()
}

// Send posts a message through the pipeline. Validation and cooldown errors
// are local and work while offline.
func (c *Client) Send(ctx context.Context, content string) (models.ChatMessage, error) {
	return c.pipe.Send(ctx, content)
}

// DeleteMessage removes a message by server id. Privileged.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.pipe.Delete(ctx, id)
}

// Messages returns the bounded recent-message cache in arrival order.
func (c *Client) Messages() []models.ChatMessage {
	return c.pipe.Messages()
}

// OnlineUsers returns the current roster.
func (c *Client) OnlineUsers() []models.PresenceEntry {
	c.mu.Lock()
	pres := c.pres
	c.mu.Unlock()
	if pres == nil {
		return nil
	}
	return pres.Online()
}

// ConnectionStatus returns the current connectivity snapshot.
func (c *Client) ConnectionStatus() connection.StatusChange {
	return c.conn.Status()
}

// Cooldown returns the rate limiter window snapshot for countdown display.
func (c *Client) Cooldown() ratelimit.State {
	return c.limiter.State()
}

// Reconnect is the explicit user-triggered retry after reconnect attempts
// were exhausted.
func (c *Client) Reconnect() {
	c.mu.Lock()
	ctx := c.runCtx
	ok := c.started && !c.closed
	c.mu.Unlock()
	if ok {
		c.conn.Connect(ctx)
	}
}

// UpdateToken rotates the transport auth credential.
func (c *Client) UpdateToken(token string) {
	c.conn.UpdateToken(token)
}

// OnStatusChange registers a connectivity handler and returns its disposer.
func (c *Client) OnStatusChange(fn func(connection.StatusChange)) func() {
	return c.conn.OnStatusChange(fn)
}

// OnMessagesChange registers a handler invoked after every message cache
// mutation and returns its disposer.
func (c *Client) OnMessagesChange(fn func()) func() {
	return c.pipe.OnChange(fn)
}

// OnRosterChange registers a handler invoked after roster mutations and
// returns its disposer. Must be called after Start.
func (c *Client) OnRosterChange(fn func()) func() {
	c.mu.Lock()
	pres := c.pres
	c.mu.Unlock()
	if pres == nil {
		return func() {}
	}
	return pres.OnChange(fn)
}

// route fans inbound transport events out to their owners. The kind set is
// closed; anything else is an error, not a silent no-op.
func (c *Client) route(ev models.Event) {
	var err error
	switch ev.Kind {
	case models.EventMessageNew, models.EventMessageUpdate, models.EventMessageDelete:
		err = c.pipe.Apply(ev)
	case models.EventPresenceOnline, models.EventPresenceUpdate, models.EventPresenceOffline:
		c.mu.Lock()
		pres := c.pres
		c.mu.Unlock()
		if pres != nil {
			err = pres.Apply(ev)
		}
	default:
		c.log.Error("dropping event of unknown kind", "kind", ev.Kind)
		return
	}
	if err != nil {
		c.log.Error("failed to apply event", "kind", ev.Kind, "error", err)
	}
}

// handleStatus bootstraps state when the connection (re)establishes: the
// roster snapshot on every connect, the message backlog once. Reconnect
// re-subscription relies on idempotent reconciliation instead of refetching,
// so no duplicates can be introduced.
func (c *Client) handleStatus(sc connection.StatusChange) {
	if sc.Status != connection.StatusConnected {
		return
	}
	c.mu.Lock()
	ctx := c.runCtx
	pres := c.pres
	c.mu.Unlock()

	go func() {
		if err := pres.Bootstrap(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("roster bootstrap failed", "error", err)
		}

		c.mu.Lock()
		need := !c.bootstrapped
		c.mu.Unlock()
		if !need {
			return
		}
		if err := c.pipe.Bootstrap(ctx); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("message bootstrap failed", "error", err)
			}
			return
		}
		c.mu.Lock()
		c.bootstrapped = true
		c.mu.Unlock()
	}()
}
