// Package presence maintains the best-effort online roster. Entries arrive
// from a snapshot fetch plus transport events and decay on their own: a
// client that misses an explicit offline event still converges once the
// entry goes stale.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"parlor/internal/models"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultStaleThreshold    = 90 * time.Second
)

// API is the presence collaborator: heartbeat pings and roster snapshots.
type API interface {
	Ping(ctx context.Context) error
	ListOnline(ctx context.Context) ([]models.PresenceEntry, error)
}

type Config struct {
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	Logger            *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.StaleThreshold <= 0 {
		out.StaleThreshold = DefaultStaleThreshold
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

type Tracker struct {
	api    API
	cfg    Config
	log    *slog.Logger
	roster geche.Geche[string, models.PresenceEntry]

	mu    sync.Mutex
	subID int
	subs  map[int]func()

	now func() time.Time
}

// NewTracker builds a tracker whose roster entries expire after the stale
// threshold. ctx bounds the cache's cleanup goroutine.
func NewTracker(ctx context.Context, cfg Config, api API) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		api:    api,
		cfg:    cfg,
		log:    cfg.Logger,
		roster: geche.NewMapTTLCache[string, models.PresenceEntry](ctx, cfg.StaleThreshold, cfg.StaleThreshold),
		subs:   make(map[int]func()),
		now:    time.Now,
	}
}

// Bootstrap replaces roster state with the server's current snapshot.
func (t *Tracker) Bootstrap(ctx context.Context) error {
	entries, err := t.api.ListOnline(ctx)
	if err != nil {
		return fmt.Errorf("fetch roster: %w", err)
	}
	for _, e := range entries {
		if e.LastSeenAt.IsZero() {
			e.LastSeenAt = t.now()
		}
		t.roster.Set(e.UserID, e)
	}
	t.notify()
	return nil
}

// Apply folds one presence event into the roster.
func (t *Tracker) Apply(ev models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Kind {
	case models.EventPresenceOnline, models.EventPresenceUpdate:
		entry := *ev.Presence
		if entry.LastSeenAt.IsZero() {
			entry.LastSeenAt = t.now()
		}
		t.roster.Set(entry.UserID, entry)
	case models.EventPresenceOffline:
		_ = t.roster.Del(ev.Presence.UserID)
	default:
		return fmt.Errorf("tracker cannot apply event kind %q", ev.Kind)
	}
	t.notify()
	return nil
}

// Online returns the roster entries still considered online, sorted by
// username. Staleness is derived from lastSeenAt at read time; it does not
// depend on connectivity.
func (t *Tracker) Online() []models.PresenceEntry {
	now := t.now()
	var out []models.PresenceEntry
	for _, e := range t.roster.Snapshot() {
		if now.Sub(e.LastSeenAt) < t.cfg.StaleThreshold {
			e.IsOnline = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserName < out[j].UserName
	})
	return out
}

// Run emits the heartbeat until ctx is cancelled. Heartbeats are best
// effort: a failed ping is logged and retried on the next tick, it never
// fails the chat session.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	t.ping(ctx)
	for {
		select {
		case <-ticker.C:
			t.ping(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) ping(ctx context.Context) {
	if err := t.api.Ping(ctx); err != nil && ctx.Err() == nil {
		t.log.Warn("presence heartbeat failed", "error", err)
	}
}

// OnChange registers a handler invoked after roster mutations and returns
// its disposer.
func (t *Tracker) OnChange(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.subID
	t.subID++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) notify() {
	t.mu.Lock()
	handlers := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		handlers = append(handlers, fn)
	}
	t.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}
