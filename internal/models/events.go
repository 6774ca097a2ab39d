package models

import "fmt"

// EventKind discriminates realtime transport events. The set is closed:
// consumers switch over it exhaustively and treat unknown kinds as errors
// instead of silently dropping them.
type EventKind string

const (
	EventMessageNew      EventKind = "message.new"
	EventMessageUpdate   EventKind = "message.update"
	EventMessageDelete   EventKind = "message.delete"
	EventPresenceOnline  EventKind = "presence.online"
	EventPresenceUpdate  EventKind = "presence.update"
	EventPresenceOffline EventKind = "presence.offline"
)

// Event is the tagged union delivered by the realtime transport.
// Exactly one payload field is set, selected by Kind.
type Event struct {
	Kind     EventKind      `json:"kind"`
	Message  *ChatMessage   `json:"message,omitempty"`
	Presence *PresenceEntry `json:"presence,omitempty"`
}

// Validate checks that the event carries the payload its kind requires.
func (e Event) Validate() error {
	switch e.Kind {
	case EventMessageNew, EventMessageUpdate, EventMessageDelete:
		if e.Message == nil {
			return fmt.Errorf("event %s missing message payload", e.Kind)
		}
	case EventPresenceOnline, EventPresenceUpdate, EventPresenceOffline:
		if e.Presence == nil {
			return fmt.Errorf("event %s missing presence payload", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
