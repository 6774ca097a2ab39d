// Package room keeps the single chat room's bounded recent-message window in
// a ring buffer and fans events out to online members.
package room

import (
	"sync"

	"parlor/internal/models"
)

type record struct {
	msg     models.ChatMessage
	deleted bool
}

type Room struct {
	records    []record
	firstSeq   int64
	lastSeq    int64
	lastIndex  int
	maxRecords int
	members    map[string]bool

	// EventCallback delivers one event to one online member.
	eventCallback func(receiverID string, ev models.Event)

	mux sync.RWMutex
}

type Config struct {
	MaxRecords    int
	EventCallback func(receiverID string, ev models.Event)
}

func New(config Config) *Room {
	return &Room{
		maxRecords:    config.MaxRecords,
		lastIndex:     -1,
		firstSeq:      -1,
		lastSeq:       -1,
		members:       make(map[string]bool),
		eventCallback: config.EventCallback,
	}
}

// Load seeds the window from persisted history. Messages must be ordered by
// sequence number ascending; lastSeq continues the numbering past messages
// that fell out of the window or were deleted.
func (r *Room) Load(msgs []models.ChatMessage, lastSeq int64) {
	r.mux.Lock()
	defer r.mux.Unlock()

	for _, msg := range msgs {
		r.lastSeq = msg.Seq
		r.insert(record{msg: msg})
	}
	if lastSeq > r.lastSeq {
		r.lastSeq = lastSeq
	}
}

// Append assigns the next sequence number, adds the message to the window and
// fans it out to all online members. Returns the message with its sequence.
func (r *Room) Append(msg models.ChatMessage) models.ChatMessage {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.lastSeq++
	msg.Seq = r.lastSeq
	r.insert(record{msg: msg})

	r.fanout(models.Event{Kind: models.EventMessageNew, Message: &msg})
	return msg
}

// insert adds a record to the ring buffer under lock.
func (r *Room) insert(rec record) {
	switch {
	case len(r.records) < r.maxRecords:
		if r.firstSeq == -1 {
			r.firstSeq = r.lastSeq
		}
		r.records = append(r.records, rec)
		r.lastIndex++
	default:
		r.firstSeq++
		i := (r.lastIndex + 1) % r.maxRecords
		r.records[i] = rec
		r.lastIndex = i
	}
}

// Delete tombstones a message still inside the window and fans the deletion
// out. Returns false when the id is not in the window.
func (r *Room) Delete(id string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	for i := range r.records {
		if r.records[i].deleted || r.records[i].msg.ID != id {
			continue
		}
		r.records[i].deleted = true
		msg := r.records[i].msg
		r.fanout(models.Event{Kind: models.EventMessageDelete, Message: &msg})
		return true
	}
	return false
}

// Recent returns up to count live messages from the window, oldest first.
func (r *Room) Recent(count int) []models.ChatMessage {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if len(r.records) == 0 {
		return []models.ChatMessage{}
	}

	// Head index (oldest record)
	head := 0
	if len(r.records) == r.maxRecords {
		head = (r.lastIndex + 1) % r.maxRecords
	}

	live := make([]models.ChatMessage, 0, len(r.records))
	for i := 0; i < len(r.records); i++ {
		rec := r.records[(head+i)%len(r.records)]
		if rec.deleted {
			continue
		}
		live = append(live, rec.msg)
	}
	if count < len(live) {
		live = live[len(live)-count:]
	}
	return live
}

// fanout delivers an event to all online members under lock.
func (r *Room) fanout(ev models.Event) {
	if r.eventCallback == nil {
		return
	}
	for receiverID := range r.members {
		r.eventCallback(receiverID, ev)
	}
}

func (r *Room) Join(userID string) {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.members[userID] = true
}

func (r *Room) Leave(userID string) {
	r.mux.Lock()
	defer r.mux.Unlock()

	delete(r.members, userID)
}
