package ws

import (
	"errors"
	"strings"
	"testing"
	"time"

	"parlor/internal/models"
	"parlor/internal/ratelimit"
)

var (
	alice = models.User{ID: "u1", UserName: "alice", DisplayName: "Alice"}
	bob   = models.User{ID: "u2", UserName: "bob", DisplayName: "Bob", Moderator: true}
)

type fakeDirectory struct {
	users []models.User
}

func (d *fakeDirectory) Users() []models.User { return d.users }

func newTestHub(t *testing.T, cooldown ratelimit.Config) *Hub {
	t.Helper()
	if cooldown.Limit == 0 {
		cooldown = ratelimit.Config{Limit: 1000, Window: time.Minute}
	}
	hub, err := NewHub(HubConfig{HistorySize: 5, Cooldown: cooldown},
		&fakeDirectory{users: []models.User{alice, bob}}, nil, nil)
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	return hub
}

func recv(t *testing.T, ch chan models.Event) models.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func TestHub_PresenceLifecycle(t *testing.T) {
	hub := newTestHub(t, ratelimit.Config{})

	aliceCh := hub.Join(alice)
	bobCh := hub.Join(bob)

	// Alice sees Bob come online.
	ev := recv(t, aliceCh)
	if ev.Kind != models.EventPresenceOnline || ev.Presence.UserID != bob.ID {
		t.Fatalf("expected bob online event, got %+v", ev)
	}
	if !ev.Presence.IsOnline {
		t.Error("online event not marked online")
	}

	roster := hub.Online()
	if len(roster) != 2 {
		t.Fatalf("expected 2 online users, got %d", len(roster))
	}
	if roster[0].UserName != "alice" || roster[1].UserName != "bob" {
		t.Errorf("roster not sorted by user name: %+v", roster)
	}

	hub.Touch(bob.ID)
	ev = recv(t, aliceCh)
	if ev.Kind != models.EventPresenceUpdate || ev.Presence.UserID != bob.ID {
		t.Fatalf("expected bob update event, got %+v", ev)
	}

	hub.Leave(bob.ID, bobCh)
	ev = recv(t, aliceCh)
	if ev.Kind != models.EventPresenceOffline || ev.Presence.UserID != bob.ID {
		t.Fatalf("expected bob offline event, got %+v", ev)
	}
	if _, ok := <-bobCh; ok {
		t.Error("bob's channel not closed on leave")
	}

	if got := hub.Online(); len(got) != 1 {
		t.Errorf("expected 1 online user after leave, got %d", len(got))
	}

	// Leave for someone not connected is a no-op.
	hub.Leave("ghost", nil)
}

func TestHub_SendMessageFanout(t *testing.T) {
	hub := newTestHub(t, ratelimit.Config{})

	aliceCh := hub.Join(alice)
	bobCh := hub.Join(bob)
	recv(t, aliceCh) // drain bob's online event

	msg, err := hub.SendMessage(alice, "hello <script>alert(1)</script>", "corr-1")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.ID == "" || msg.Seq != 0 || msg.State != models.MessageConfirmed {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.CorrelationID != "corr-1" {
		t.Errorf("correlation id not echoed: %q", msg.CorrelationID)
	}
	if strings.Contains(msg.Content, "<script>") {
		t.Errorf("content not sanitized: %q", msg.Content)
	}

	for _, ch := range []chan models.Event{aliceCh, bobCh} {
		ev := recv(t, ch)
		if ev.Kind != models.EventMessageNew || ev.Message.ID != msg.ID {
			t.Fatalf("expected message.new for %s, got %+v", msg.ID, ev)
		}
	}

	if _, err := hub.SendMessage(alice, "   ", "corr-2"); err == nil {
		t.Error("empty message accepted")
	}
}

func TestHub_SendMessageRateLimit(t *testing.T) {
	hub := newTestHub(t, ratelimit.Config{Limit: 1, Window: time.Minute})
	hub.Join(alice)

	if _, err := hub.SendMessage(alice, "first", ""); err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	_, err := hub.SendMessage(alice, "second", "")
	var rateLimitErr *models.RateLimitError
	if !errors.As(err, &rateLimitErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !rateLimitErr.ResetAt.After(time.Now()) {
		t.Errorf("resetAt not in the future: %v", rateLimitErr.ResetAt)
	}

	// The cooldown is per user.
	if _, err := hub.SendMessage(bob, "bob speaks", ""); err != nil {
		t.Errorf("other user's send limited: %v", err)
	}

	state := hub.Cooldown(alice.ID)
	if state.SentInWindow != 1 || state.Limit != 1 {
		t.Errorf("unexpected cooldown state: %+v", state)
	}
}

func TestHub_DeleteMessage(t *testing.T) {
	hub := newTestHub(t, ratelimit.Config{})

	aliceCh := hub.Join(alice)
	msg, err := hub.SendMessage(alice, "remove me", "")
	if err != nil {
		t.Fatal(err)
	}
	recv(t, aliceCh) // message.new echo

	if err := hub.DeleteMessage(alice, msg.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-moderator delete: expected ErrForbidden, got %v", err)
	}

	if err := hub.DeleteMessage(bob, msg.ID); err != nil {
		t.Fatalf("moderator delete failed: %v", err)
	}
	ev := recv(t, aliceCh)
	if ev.Kind != models.EventMessageDelete || ev.Message.ID != msg.ID {
		t.Fatalf("expected message.delete, got %+v", ev)
	}

	if err := hub.DeleteMessage(bob, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}

	if got := hub.Messages(0); len(got) != 0 {
		t.Errorf("deleted message still listed: %+v", got)
	}
}

func TestHub_MessagesWindow(t *testing.T) {
	hub := newTestHub(t, ratelimit.Config{})
	hub.Join(alice)

	for _, content := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		if _, err := hub.SendMessage(alice, content, ""); err != nil {
			t.Fatal(err)
		}
	}

	// History of 5: the two oldest fell off.
	msgs := hub.Messages(0)
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "c" || msgs[4].Content != "g" {
		t.Errorf("wrong window: %+v", msgs)
	}

	msgs = hub.Messages(2)
	if len(msgs) != 2 || msgs[0].Content != "f" {
		t.Errorf("limit did not keep the tail: %+v", msgs)
	}
}

func TestHub_ReconnectReplacesChannel(t *testing.T) {
	hub := newTestHub(t, ratelimit.Config{})

	first := hub.Join(alice)
	second := hub.Join(alice)

	if _, ok := <-first; ok {
		t.Error("first channel not closed on reconnect")
	}

	if _, err := hub.SendMessage(alice, "after reconnect", ""); err != nil {
		t.Fatal(err)
	}
	ev := recv(t, second)
	if ev.Kind != models.EventMessageNew {
		t.Fatalf("expected message on the new channel, got %+v", ev)
	}
}

// The old connection keeps draining after a reconnect and tears itself down
// last; its leave must not evict the replacement registration.
func TestHub_StaleLeaveKeepsReplacement(t *testing.T) {
	hub := newTestHub(t, ratelimit.Config{})

	stale := hub.Join(alice)
	fresh := hub.Join(alice)

	hub.Leave(alice.ID, stale)

	roster := hub.Online()
	if len(roster) != 1 || roster[0].UserID != alice.ID {
		t.Fatalf("alice dropped from roster while her new connection is live: %+v", roster)
	}
	select {
	case _, ok := <-fresh:
		if !ok {
			t.Fatal("new channel was closed by the stale connection's leave")
		}
	default:
	}

	if _, err := hub.SendMessage(alice, "still here", ""); err != nil {
		t.Fatal(err)
	}
	ev := recv(t, fresh)
	if ev.Kind != models.EventMessageNew {
		t.Fatalf("expected message on the replacement channel, got %+v", ev)
	}

	// The real leave still works.
	hub.Leave(alice.ID, fresh)
	if got := hub.Online(); len(got) != 0 {
		t.Errorf("expected empty roster after the real leave, got %+v", got)
	}
	hub.mu.RLock()
	_, seen := hub.lastSeen[alice.ID]
	hub.mu.RUnlock()
	if seen {
		t.Error("lastSeen entry not removed on leave")
	}
}
