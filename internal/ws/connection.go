package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parlor/internal/models"
)

const closeGracePeriod = time.Second

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Join(user models.User) chan models.Event
	Leave(userID string, ch chan models.Event)
	Touch(userID string)
}

// clientFrame is what clients write on the socket: presence pings and auth
// token rotations. Messages go through the HTTP API.
type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

const (
	frameAuth = "auth"
	framePing = "ping"
)

// tokenChecker resolves a token to a user id.
type tokenChecker func(token string) (string, error)

type Connection struct {
	ws         wsConnection
	hub        messageHub
	checkToken tokenChecker
	user       models.User
	fromClient chan clientFrame
	fromServer chan models.Event
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	checkToken tokenChecker,
	ws wsConnection,
	user models.User,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		checkToken: checkToken,
		user:       user,
		fromClient: make(chan clientFrame),
		fromServer: hub.Join(user),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.user.ID, c.fromServer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	if errors.Is(err, models.ErrAuthExpired) {
		// Tell the client this close is about credentials, not the network,
		// so it stops retrying with the same token.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth expired"),
			time.Now().Add(closeGracePeriod))
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var frame clientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			if err := c.processClientFrame(frame); err != nil {
				return err
			}
		case ev, ok := <-c.fromServer:
			if !ok {
				// The hub replaced this connection.
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientFrame(frame clientFrame) error {
	switch frame.Type {
	case framePing:
		c.hub.Touch(c.user.ID)
	case frameAuth:
		// In-band token rotation: the new token must resolve to the same
		// user, otherwise the connection dies and the client redials.
		userID, err := c.checkToken(frame.Token)
		if err != nil || userID != c.user.ID {
			return models.ErrAuthExpired
		}
	}

	return nil
}
