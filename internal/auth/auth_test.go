package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parlor/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	users map[string]Credentials
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]Credentials)}
}

func (s *fakeStore) UpsertCredentials(c Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[c.UserName] = c
	return nil
}

func (s *fakeStore) ListCredentials() ([]Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credentials, 0, len(s.users))
	for _, c := range s.users {
		out = append(out, c)
	}
	return out, nil
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	s, err := NewService(t.Context(), Config{TokenExpiry: time.Hour}, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return s
}

func TestAddUserAndLogin(t *testing.T) {
	s := newTestService(t, newFakeStore())

	user, err := s.AddUser("alice", "s3cret", "Alice", true)
	if err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	if user.ID == "" || user.UserName != "alice" || !user.Moderator {
		t.Errorf("unexpected user: %+v", user)
	}

	if _, err := s.AddUser("alice", "other", "", false); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate AddUser: expected ErrUserExists, got %v", err)
	}

	if resp := s.Login(LoginRequest{Username: "alice", Password: "wrong"}); resp.Success {
		t.Error("login with wrong password succeeded")
	}
	if resp := s.Login(LoginRequest{Username: "nobody", Password: "x"}); resp.Success {
		t.Error("login for unknown user succeeded")
	}

	resp := s.Login(LoginRequest{Username: "alice", Password: "s3cret"})
	if !resp.Success || resp.Token == "" {
		t.Fatalf("login failed: %+v", resp)
	}
	if resp.User.ID != user.ID {
		t.Errorf("login response user mismatch: %+v", resp.User)
	}

	userID, err := s.UserID(resp.Token)
	if err != nil || userID != user.ID {
		t.Errorf("UserID(%q) = %q, %v", resp.Token, userID, err)
	}
	got, err := s.User(resp.Token)
	if err != nil || got.UserName != "alice" {
		t.Errorf("User lookup failed: %+v, %v", got, err)
	}

	if _, err := s.UserID("bogus"); !errors.Is(err, models.ErrAuthExpired) {
		t.Errorf("unknown token: expected ErrAuthExpired, got %v", err)
	}
}

func TestLoginThrottling(t *testing.T) {
	s := newTestService(t, nil)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	if _, err := s.AddUser("bob", "hunter2", "", false); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if resp := s.Login(LoginRequest{Username: "bob", Password: "wrong"}); resp.Success {
			t.Fatal("wrong password accepted")
		}
	}

	// Even the correct password is rejected while throttled.
	if resp := s.Login(LoginRequest{Username: "bob", Password: "hunter2"}); resp.Success {
		t.Error("login succeeded while throttled")
	}

	// The backoff grows quadratically with the attempt counter.
	now = now.Add(30 * 4 * 4 * time.Second)
	resp := s.Login(LoginRequest{Username: "bob", Password: "hunter2"})
	if !resp.Success {
		t.Fatalf("login after backoff failed: %+v", resp)
	}

	// Success resets the counter: a single failure throttles nothing.
	if resp := s.Login(LoginRequest{Username: "bob", Password: "wrong"}); resp.Success {
		t.Fatal("wrong password accepted")
	}
	if resp := s.Login(LoginRequest{Username: "bob", Password: "hunter2"}); !resp.Success {
		t.Errorf("login after reset failed: %+v", resp)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	s := newTestService(t, nil)
	if _, err := s.AddUser("carol", "pw", "", false); err != nil {
		t.Fatal(err)
	}

	login := s.Login(LoginRequest{Username: "carol", Password: "pw"})
	if !login.Success {
		t.Fatalf("login failed: %+v", login)
	}

	refreshed, err := s.Refresh(login.Token)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.Token == login.Token {
		t.Error("refresh returned the same token")
	}
	if refreshed.User.UserName != "carol" {
		t.Errorf("refresh response user mismatch: %+v", refreshed.User)
	}

	if _, err := s.UserID(login.Token); !errors.Is(err, models.ErrAuthExpired) {
		t.Error("old token still valid after refresh")
	}
	if _, err := s.UserID(refreshed.Token); err != nil {
		t.Errorf("new token invalid: %v", err)
	}

	if _, err := s.Refresh("bogus"); !errors.Is(err, models.ErrAuthExpired) {
		t.Errorf("refresh of unknown token: expected ErrAuthExpired, got %v", err)
	}
}

func TestLogoff(t *testing.T) {
	s := newTestService(t, nil)
	if _, err := s.AddUser("dave", "pw", "", false); err != nil {
		t.Fatal(err)
	}

	login := s.Login(LoginRequest{Username: "dave", Password: "pw"})
	if err := s.Logoff(login.Token); err != nil {
		t.Fatalf("Logoff failed: %v", err)
	}
	if _, err := s.UserID(login.Token); !errors.Is(err, models.ErrAuthExpired) {
		t.Error("token still valid after logoff")
	}
}

func TestServiceLoadsPersistedUsers(t *testing.T) {
	store := newFakeStore()

	first := newTestService(t, store)
	user, err := first.AddUser("erin", "pw", "Erin", false)
	if err != nil {
		t.Fatal(err)
	}

	// A fresh service over the same store sees the user.
	second, err := NewService(context.Background(), Config{TokenExpiry: time.Hour}, store)
	if err != nil {
		t.Fatal(err)
	}
	resp := second.Login(LoginRequest{Username: "erin", Password: "pw"})
	if !resp.Success || resp.User.ID != user.ID {
		t.Errorf("persisted user cannot log in: %+v", resp)
	}
}
