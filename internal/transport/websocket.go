// Package transport implements the realtime transport over a websocket.
// Each Subscribe opens one connection that delivers server events in order;
// auth rejections are distinguished from ordinary connection failures so the
// connection manager can stop retrying a dead credential.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parlor/internal/connection"
	"parlor/internal/models"
)

const writeTimeout = 10 * time.Second

// clientFrame is the only thing a client writes on the socket: auth token
// rotations and presence pings. Messages travel over the store API instead.
type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

const (
	frameAuth = "auth"
	framePing = "ping"
)

type WebSocket struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewWebSocket(url string, log *slog.Logger) *WebSocket {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocket{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

func (t *WebSocket) Subscribe(ctx context.Context, token string, onEvent func(models.Event)) (connection.Subscription, error) {
	header := http.Header{}
	header.Set("token", token)

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, models.ErrAuthExpired
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}

	sub := &subscription{
		conn: conn,
		done: make(chan error, 1),
		log:  t.log,
	}
	go sub.readLoop(onEvent)
	return sub, nil
}

type subscription struct {
	conn *websocket.Conn
	log  *slog.Logger
	done chan error

	writeMu  sync.Mutex
	doneOnce sync.Once
}

func (s *subscription) Done() <-chan error { return s.done }

func (s *subscription) UpdateToken(token string) error {
	return s.write(clientFrame{Type: frameAuth, Token: token})
}

// Ping lets the presence heartbeat reuse the live socket.
func (s *subscription) Ping() error {
	return s.write(clientFrame{Type: framePing})
}

func (s *subscription) write(frame clientFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *subscription) Close() error {
	err := s.conn.Close()
	s.finish(nil)
	return err
}

func (s *subscription) readLoop(onEvent func(models.Event)) {
	for {
		var ev models.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				err = models.ErrAuthExpired
			}
			s.finish(err)
			return
		}
		if err := ev.Validate(); err != nil {
			s.log.Warn("dropping malformed event", "error", err)
			continue
		}
		onEvent(ev)
	}
}

func (s *subscription) finish(err error) {
	s.doneOnce.Do(func() {
		if err == nil {
			err = fmt.Errorf("subscription closed")
		}
		s.done <- err
	})
}
