package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parlor/internal/models"
)

type fakeAPI struct {
	mu      sync.Mutex
	pings   int
	pingErr error
	online  []models.PresenceEntry
	listErr error
}

func (a *fakeAPI) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pings++
	return a.pingErr
}

func (a *fakeAPI) ListOnline(ctx context.Context) ([]models.PresenceEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online, a.listErr
}

func (a *fakeAPI) pingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pings
}

func onlineEvent(kind models.EventKind, userID, userName string) models.Event {
	return models.Event{
		Kind:     kind,
		Presence: &models.PresenceEntry{UserID: userID, UserName: userName},
	}
}

func TestTracker_ApplyAndList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewTracker(ctx, Config{StaleThreshold: time.Minute}, &fakeAPI{})

	if err := tr.Apply(onlineEvent(models.EventPresenceOnline, "u2", "bob")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Apply(onlineEvent(models.EventPresenceOnline, "u1", "alice")); err != nil {
		t.Fatal(err)
	}

	online := tr.Online()
	if len(online) != 2 {
		t.Fatalf("expected 2 online users, got %d", len(online))
	}
	// Sorted by username.
	if online[0].UserName != "alice" || online[1].UserName != "bob" {
		t.Errorf("roster not sorted: %+v", online)
	}
	if !online[0].IsOnline {
		t.Error("listed entries must be marked online")
	}

	if err := tr.Apply(onlineEvent(models.EventPresenceOffline, "u2", "bob")); err != nil {
		t.Fatal(err)
	}
	online = tr.Online()
	if len(online) != 1 || online[0].UserID != "u1" {
		t.Errorf("offline event not applied: %+v", online)
	}
}

// A user that stops heartbeating goes offline without any explicit offline
// event.
func TestTracker_StaleConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewTracker(ctx, Config{StaleThreshold: 30 * time.Millisecond}, &fakeAPI{})

	if err := tr.Apply(onlineEvent(models.EventPresenceOnline, "u1", "alice")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Apply(onlineEvent(models.EventPresenceUpdate, "u1", "alice")); err != nil {
		t.Fatal(err)
	}
	if len(tr.Online()) != 1 {
		t.Fatal("user should be online right after update")
	}

	time.Sleep(40 * time.Millisecond)
	if online := tr.Online(); len(online) != 0 {
		t.Errorf("stale entry still listed: %+v", online)
	}
}

func TestTracker_Bootstrap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &fakeAPI{online: []models.PresenceEntry{
		{UserID: "u1", UserName: "alice"},
		{UserID: "u2", UserName: "bob", LastSeenAt: time.Now()},
	}}
	tr := NewTracker(ctx, Config{StaleThreshold: time.Minute}, api)

	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if online := tr.Online(); len(online) != 2 {
		t.Errorf("expected 2 entries after bootstrap, got %d", len(online))
	}

	api.mu.Lock()
	api.listErr = errors.New("unavailable")
	api.mu.Unlock()
	if err := tr.Bootstrap(ctx); err == nil {
		t.Error("bootstrap should surface roster fetch errors")
	}
}

func TestTracker_HeartbeatSwallowsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &fakeAPI{pingErr: errors.New("network down")}
	tr := NewTracker(ctx, Config{
		HeartbeatInterval: 5 * time.Millisecond,
		StaleThreshold:    time.Minute,
	}, api)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		tr.Run(runCtx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for api.pingCount() < 3 {
		select {
		case <-deadline:
			t.Fatal("heartbeat stopped retrying after failures")
		case <-time.After(time.Millisecond):
		}
	}

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestTracker_RejectsMessageEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewTracker(ctx, Config{}, &fakeAPI{})
	ev := models.Event{
		Kind:    models.EventMessageNew,
		Message: &models.ChatMessage{ID: "m1"},
	}
	if err := tr.Apply(ev); err == nil {
		t.Error("message events do not belong to the tracker")
	}
}
