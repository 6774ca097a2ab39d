package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_FirstSendAllowed(t *testing.T) {
	l := New(Config{Limit: 1, Window: 2 * time.Second})

	ok, _ := l.Attempt()
	if !ok {
		t.Fatal("first attempt should be allowed")
	}

	st := l.State()
	if st.SentInWindow != 1 {
		t.Errorf("expected 1 sent in window, got %d", st.SentInWindow)
	}
}

func TestLimiter_DeniesWithinWindow(t *testing.T) {
	l := New(Config{Limit: 1, Window: 2 * time.Second})

	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	if ok, _ := l.Attempt(); !ok {
		t.Fatal("first attempt should be allowed")
	}

	// 500ms later, still within the window.
	l.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	ok, resetAt := l.Attempt()
	if ok {
		t.Fatal("second attempt within window should be denied")
	}

	want := base.Add(2 * time.Second)
	if !resetAt.Equal(want) {
		t.Errorf("expected resetAt %v, got %v", want, resetAt)
	}
	if resetAt.Before(base) || resetAt.After(base.Add(2*time.Second)) {
		t.Errorf("resetAt %v outside [windowStart, windowStart+window]", resetAt)
	}
}

func TestLimiter_AllowsAfterReset(t *testing.T) {
	l := New(Config{Limit: 1, Window: 2 * time.Second})

	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }
	if ok, _ := l.Attempt(); !ok {
		t.Fatal("first attempt should be allowed")
	}

	l.now = func() time.Time { return base.Add(time.Second) }
	ok, resetAt := l.Attempt()
	if ok {
		t.Fatal("attempt within window should be denied")
	}

	// At resetAt the window has elapsed and a new one starts.
	l.now = func() time.Time { return resetAt }
	if ok, _ := l.Attempt(); !ok {
		t.Fatal("attempt at resetAt should be allowed")
	}

	st := l.State()
	if !st.WindowStartAt.Equal(resetAt) {
		t.Errorf("new window should start at resetAt, got %v", st.WindowStartAt)
	}
	if st.SentInWindow != 1 {
		t.Errorf("expected fresh window with 1 sent, got %d", st.SentInWindow)
	}
}

func TestLimiter_MultiplePerWindow(t *testing.T) {
	l := New(Config{Limit: 3, Window: time.Minute})

	base := time.Unix(1000, 0)
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if ok, _ := l.Attempt(); !ok {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Attempt(); ok {
		t.Fatal("attempt over limit should be denied")
	}
	if st := l.State(); st.SentInWindow != 3 {
		t.Errorf("denied attempt must not increment counter, got %d", st.SentInWindow)
	}
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(Config{})
	st := l.State()
	if st.Limit != DefaultLimit || st.Window != DefaultWindow {
		t.Errorf("expected defaults %d/%v, got %d/%v", DefaultLimit, DefaultWindow, st.Limit, st.Window)
	}
}
