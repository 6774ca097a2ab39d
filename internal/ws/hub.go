package ws

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"parlor/internal/content"
	"parlor/internal/models"
	"parlor/internal/push"
	"parlor/internal/ratelimit"
	"parlor/internal/room"
	"parlor/internal/storage"
)

var ErrForbidden = errors.New("forbidden")

// UserDirectory lists all known users, connected or not.
type UserDirectory interface {
	Users() []models.User
}

type HubConfig struct {
	// HistorySize is the number of messages kept in the room window.
	HistorySize int
	// Cooldown is the per-user send rate limit.
	Cooldown ratelimit.Config
}

type Hub struct {
	cfg       HubConfig
	room      *room.Room
	storage   *storage.BboltStorage
	notifier  *push.Notifier
	directory UserDirectory

	mu sync.RWMutex
	// userID -> event channel of a connected user
	connectedUsers map[string]chan models.Event
	// userID -> user of a connected user
	users map[string]models.User
	// userID -> last ping time
	lastSeen map[string]time.Time
	// userID -> send rate limiter, kept across reconnects
	limiters map[string]*ratelimit.Limiter
}

func NewHub(cfg HubConfig, directory UserDirectory, store *storage.BboltStorage, notifier *push.Notifier) (*Hub, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}

	h := &Hub{
		cfg:            cfg,
		storage:        store,
		notifier:       notifier,
		directory:      directory,
		connectedUsers: make(map[string]chan models.Event),
		users:          make(map[string]models.User),
		lastSeen:       make(map[string]time.Time),
		limiters:       make(map[string]*ratelimit.Limiter),
	}
	h.room = room.New(room.Config{
		MaxRecords:    cfg.HistorySize,
		EventCallback: h.deliver,
	})

	if store != nil {
		history, err := store.ListMessages(cfg.HistorySize)
		if err != nil {
			return nil, err
		}
		lastSeq, err := store.LastSeq()
		if err != nil {
			return nil, err
		}
		h.room.Load(history, lastSeq)
	}

	return h, nil
}

// Join connects a user and returns their event channel. The new member's
// online presence is fanned out to everyone already connected.
func (h *Hub) Join(user models.User) chan models.Event {
	now := time.Now()

	h.mu.Lock()
	if old, ok := h.connectedUsers[user.ID]; ok {
		// A reconnect replaces the previous connection.
		close(old)
	}
	ch := make(chan models.Event, 100)
	h.connectedUsers[user.ID] = ch
	h.users[user.ID] = user
	h.lastSeen[user.ID] = now
	h.mu.Unlock()

	h.room.Join(user.ID)
	h.broadcastPresence(user.ID, models.Event{Kind: models.EventPresenceOnline, Presence: &models.PresenceEntry{
		UserID:     user.ID,
		UserName:   user.UserName,
		LastSeenAt: now,
		IsOnline:   true,
	}})

	return ch
}

// Leave disconnects a user, but only if ch is still their registered channel.
// A stale connection draining after a reconnect must not tear down its
// replacement: Join already closed its channel and took over the registration.
func (h *Hub) Leave(userID string, ch chan models.Event) {
	h.mu.Lock()
	cur, connected := h.connectedUsers[userID]
	if !connected || cur != ch {
		h.mu.Unlock()
		return
	}
	user := h.users[userID]
	close(cur)
	delete(h.connectedUsers, userID)
	delete(h.users, userID)
	delete(h.lastSeen, userID)
	h.mu.Unlock()

	h.room.Leave(userID)
	h.broadcastPresence(userID, models.Event{Kind: models.EventPresenceOffline, Presence: &models.PresenceEntry{
		UserID:     user.ID,
		UserName:   user.UserName,
		LastSeenAt: time.Now(),
		IsOnline:   false,
	}})
}

// Touch refreshes a user's presence heartbeat.
func (h *Hub) Touch(userID string) {
	now := time.Now()

	h.mu.Lock()
	user, connected := h.users[userID]
	if connected {
		h.lastSeen[userID] = now
	}
	h.mu.Unlock()

	if !connected {
		return
	}

	h.broadcastPresence(userID, models.Event{Kind: models.EventPresenceUpdate, Presence: &models.PresenceEntry{
		UserID:     user.ID,
		UserName:   user.UserName,
		LastSeenAt: now,
		IsOnline:   true,
	}})
}

// broadcastPresence fans a presence event to every connected user except the
// subject; they learn their own state from local actions.
func (h *Hub) broadcastPresence(except string, ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for userID, ch := range h.connectedUsers {
		if userID == except {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Online returns the current roster, sorted by user name.
func (h *Hub) Online() []models.PresenceEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roster := make([]models.PresenceEntry, 0, len(h.connectedUsers))
	for userID := range h.connectedUsers {
		user := h.users[userID]
		roster = append(roster, models.PresenceEntry{
			UserID:     user.ID,
			UserName:   user.UserName,
			LastSeenAt: h.lastSeen[userID],
			IsOnline:   true,
		})
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].UserName < roster[j].UserName
	})
	return roster
}

// SendMessage validates, rate-limits, numbers and fans out a new message,
// then persists it and notifies offline members.
func (h *Hub) SendMessage(user models.User, raw, correlationID string) (models.ChatMessage, error) {
	text, err := content.ValidateMessage(raw)
	if err != nil {
		return models.ChatMessage{}, err
	}
	text = content.Sanitize(text)

	if ok, resetAt := h.limiter(user.ID).Attempt(); !ok {
		return models.ChatMessage{}, &models.RateLimitError{ResetAt: resetAt}
	}

	msg := models.ChatMessage{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		AuthorID:      user.ID,
		AuthorName:    user.DisplayName,
		Content:       text,
		CreatedAt:     time.Now(),
		State:         models.MessageConfirmed,
	}
	msg = h.room.Append(msg)

	if h.storage != nil {
		if err := h.storage.AppendMessage(msg); err != nil {
			// The window already serves the message; losing the durable copy
			// only shortens history after a restart.
			slog.Error("failed to persist message", "message_id", msg.ID, "error", err)
		}
	}

	go h.notifier.NotifyNewMessage(msg, h.offline())
	return msg, nil
}

// DeleteMessage tombstones a message. Moderator only.
func (h *Hub) DeleteMessage(actor models.User, id string) error {
	if !actor.Moderator {
		return ErrForbidden
	}

	inWindow := h.room.Delete(id)
	if h.storage == nil {
		if !inWindow {
			return models.ErrNotFound
		}
		return nil
	}

	// A message can outlive the window in storage, so the durable tombstone
	// decides when neither copy exists.
	err := h.storage.MarkMessageDeleted(id)
	if !inWindow && err != nil {
		return models.ErrNotFound
	}
	return nil
}

// Messages returns up to limit recent live messages, oldest first.
func (h *Hub) Messages(limit int) []models.ChatMessage {
	if limit <= 0 || limit > h.cfg.HistorySize {
		limit = h.cfg.HistorySize
	}
	return h.room.Recent(limit)
}

// Cooldown exposes a user's current rate limit window.
func (h *Hub) Cooldown(userID string) ratelimit.State {
	return h.limiter(userID).State()
}

func (h *Hub) limiter(userID string) *ratelimit.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.limiters[userID]
	if !ok {
		lim = ratelimit.New(h.cfg.Cooldown)
		h.limiters[userID] = lim
	}
	return lim
}

// offline returns known users without a live connection.
func (h *Hub) offline() []string {
	known := h.directory.Users()

	h.mu.RLock()
	defer h.mu.RUnlock()
	var offline []string
	for _, u := range known {
		if _, connected := h.connectedUsers[u.ID]; !connected {
			offline = append(offline, u.ID)
		}
	}
	return offline
}

// deliver hands one event to one online member without blocking the room.
// The non-blocking send happens under the read lock so the channel cannot be
// closed out from under it.
func (h *Hub) deliver(receiverID string, ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch, online := h.connectedUsers[receiverID]
	if !online {
		return
	}

	select {
	case ch <- ev:
	default:
		// A reader this far behind will resynchronize from the recent window
		// on reconnect.
	}
}
