// Package pipeline turns send/delete intents into the correct sequence of
// local cache changes and store calls. The cache is a bounded FIFO of recent
// messages; optimistic entries are reconciled against server echoes by
// correlation id, so a callback arriving in any interleaving (including after
// a disconnect/reconnect cycle) never duplicates or orphans an entry.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"parlor/internal/models"
	"parlor/internal/ratelimit"
)

const (
	DefaultCapacity  = 50
	MaxContentLength = 500
)

// Store is the message store the pipeline settles against.
type Store interface {
	// List returns up to limit messages, most recent first.
	List(ctx context.Context, limit int) ([]models.ChatMessage, error)
	// Send persists a message and returns it with the server-assigned id.
	Send(ctx context.Context, content, correlationID string) (models.ChatMessage, error)
	// Delete soft-deletes a message by server id. Privileged.
	Delete(ctx context.Context, id string) error
}

type Config struct {
	Self     models.User
	Capacity int
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
}

type Pipeline struct {
	store   Store
	limiter *ratelimit.Limiter
	self    models.User
	log     *slog.Logger

	mu       sync.Mutex
	capacity int
	cache    []models.ChatMessage
	subID    int
	subs     map[int]func()

	now func() time.Time
}

func New(cfg Config, store Store) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(ratelimit.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		limiter:  cfg.Limiter,
		self:     cfg.Self,
		log:      cfg.Logger,
		capacity: cfg.Capacity,
		subs:     make(map[int]func()),
		now:      time.Now,
	}
}

// contentLength counts UTF-16 code units, matching how browser UIs measure
// input length.
func contentLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Send validates, rate-limits and optimistically appends the message, then
// settles it against the store. On store failure the optimistic entry is
// rolled back and a NetworkError returned; there is no automatic retry.
func (p *Pipeline) Send(ctx context.Context, content string) (models.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if contentLength(content) == 0 {
		return models.ChatMessage{}, &models.ValidationError{Reason: "message is empty"}
	}
	if n := contentLength(content); n > MaxContentLength {
		return models.ChatMessage{}, &models.ValidationError{
			Reason: fmt.Sprintf("message is %d characters, maximum is %d", n, MaxContentLength),
		}
	}

	if ok, resetAt := p.limiter.Attempt(); !ok {
		return models.ChatMessage{}, &models.RateLimitError{ResetAt: resetAt}
	}

	correlationID := uuid.NewString()
	msg := models.ChatMessage{
		ID:            correlationID, // temporary identity until confirmed
		CorrelationID: correlationID,
		AuthorID:      p.self.ID,
		AuthorName:    p.self.DisplayName,
		Content:       content,
		CreatedAt:     p.now(),
		State:         models.MessagePending,
	}

	p.mu.Lock()
	p.append(msg)
	p.mu.Unlock()
	p.notify()

	confirmed, err := p.store.Send(ctx, content, correlationID)

	p.mu.Lock()
	i := p.indexByCorrelation(correlationID)
	if err != nil {
		if i >= 0 {
			p.cache = slices.Delete(p.cache, i, i+1)
		}
		p.mu.Unlock()
		p.notify()
		msg.State = models.MessageFailed
		return msg, &models.NetworkError{Op: "send", Err: err}
	}
	if i >= 0 {
		// The echo event may have confirmed the entry already; adopting the
		// server identity twice is harmless because it is the same message.
		p.cache[i].ID = confirmed.ID
		p.cache[i].Seq = confirmed.Seq
		if !confirmed.CreatedAt.IsZero() {
			p.cache[i].CreatedAt = confirmed.CreatedAt
		}
		p.cache[i].State = models.MessageConfirmed
		msg = p.cache[i]
	}
	p.mu.Unlock()
	p.notify()
	return msg, nil
}

// Delete issues the privileged delete. The cache entry is removed only after
// the store confirms; on failure the cache is left untouched.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	if err := p.store.Delete(ctx, id); err != nil {
		return &models.NetworkError{Op: "delete", Err: err}
	}
	p.mu.Lock()
	if i := p.indexByID(id); i >= 0 {
		p.cache = slices.Delete(p.cache, i, i+1)
	}
	p.mu.Unlock()
	p.notify()
	return nil
}

// Bootstrap fills the cache from the store. Messages arrive most recent
// first and are stored oldest first. Entries already in the cache (for
// example an optimistic send racing the fetch) are kept, matched by id or
// correlation id.
func (p *Pipeline) Bootstrap(ctx context.Context) error {
	msgs, err := p.store.List(ctx, p.capacity)
	if err != nil {
		return fmt.Errorf("bootstrap messages: %w", err)
	}
	slices.Reverse(msgs)
	for i := range msgs {
		msgs[i].State = models.MessageConfirmed
	}

	p.mu.Lock()
	existing := p.cache
	p.cache = msgs
	for _, m := range existing {
		if p.indexByID(m.ID) >= 0 {
			continue
		}
		if m.CorrelationID != "" && p.indexByCorrelation(m.CorrelationID) >= 0 {
			continue
		}
		p.cache = append(p.cache, m)
	}
	if n := len(p.cache) - p.capacity; n > 0 {
		p.cache = slices.Delete(p.cache, 0, n)
	}
	p.mu.Unlock()
	p.notify()
	return nil
}

// Apply reconciles one inbound message event against the cache.
func (p *Pipeline) Apply(ev models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	switch ev.Kind {
	case models.EventMessageNew:
		p.applyNew(*ev.Message)
	case models.EventMessageUpdate:
		if i := p.indexByID(ev.Message.ID); i >= 0 {
			p.cache[i].Content = ev.Message.Content
		}
	case models.EventMessageDelete:
		if i := p.indexByID(ev.Message.ID); i >= 0 {
			p.cache = slices.Delete(p.cache, i, i+1)
		}
	default:
		p.mu.Unlock()
		return fmt.Errorf("pipeline cannot apply event kind %q", ev.Kind)
	}
	p.mu.Unlock()
	p.notify()
	return nil
}

// applyNew inserts or confirms under lock.
func (p *Pipeline) applyNew(msg models.ChatMessage) {
	// An echo of an optimistic entry confirms it in place, keeping the
	// original send order. Applying the same echo twice is a no-op.
	if msg.CorrelationID != "" {
		if i := p.indexByCorrelation(msg.CorrelationID); i >= 0 {
			p.cache[i].ID = msg.ID
			p.cache[i].Seq = msg.Seq
			if !msg.CreatedAt.IsZero() {
				p.cache[i].CreatedAt = msg.CreatedAt
			}
			p.cache[i].State = models.MessageConfirmed
			return
		}
	}

	// Our own messages are already represented by the optimistic entry
	// (or were rolled back after a failed send); never insert them here.
	if msg.AuthorID == p.self.ID {
		return
	}

	// Redelivery of a message we already hold.
	if p.indexByID(msg.ID) >= 0 {
		return
	}

	msg.State = models.MessageConfirmed
	p.append(msg)
}

// append adds to the tail and evicts strictly FIFO by arrival order.
func (p *Pipeline) append(msg models.ChatMessage) {
	p.cache = append(p.cache, msg)
	if len(p.cache) > p.capacity {
		p.cache = slices.Delete(p.cache, 0, len(p.cache)-p.capacity)
	}
}

// Messages returns the cache in arrival order.
func (p *Pipeline) Messages() []models.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ChatMessage, len(p.cache))
	copy(out, p.cache)
	return out
}

// Cooldown returns the current rate limiter window snapshot.
func (p *Pipeline) Cooldown() ratelimit.State {
	return p.limiter.State()
}

// OnChange registers a handler invoked after every cache mutation and
// returns its disposer.
func (p *Pipeline) OnChange(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.subID
	p.subID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Pipeline) notify() {
	p.mu.Lock()
	handlers := make([]func(), 0, len(p.subs))
	for _, fn := range p.subs {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (p *Pipeline) indexByCorrelation(correlationID string) int {
	return slices.IndexFunc(p.cache, func(m models.ChatMessage) bool {
		return m.CorrelationID == correlationID
	})
}

func (p *Pipeline) indexByID(id string) int {
	return slices.IndexFunc(p.cache, func(m models.ChatMessage) bool {
		return m.ID == id
	})
}
