// Package apiclient is the HTTP client for the chat server API. It covers the
// message store and presence endpoints the chat client settles against, plus
// session management (login, logoff, token refresh).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"parlor/internal/models"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// SetToken installs the session token used on authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token       string      `json:"token"`
	TokenExpiry int64       `json:"tokenExpiry"`
	User        models.User `json:"user"`
}

// Login exchanges credentials for a session token and remembers it.
func (c *Client) Login(ctx context.Context, username, password string) (models.User, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/api/login", loginRequest{
		Username: username,
		Password: password,
	}, &resp)
	if err != nil {
		return models.User{}, err
	}
	c.SetToken(resp.Token)
	return resp.User, nil
}

// Refresh trades the current token for a fresh one before it expires.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/refresh", nil, &resp); err != nil {
		return "", err
	}
	c.SetToken(resp.Token)
	return resp.Token, nil
}

func (c *Client) Logoff(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/logoff", nil, nil)
}

// List returns up to limit messages, most recent first.
func (c *Client) List(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	path := "/api/messages?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type sendRequest struct {
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId"`
}

// Send persists a message and returns it with the server-assigned identity.
func (c *Client) Send(ctx context.Context, content, correlationID string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := c.do(ctx, http.MethodPost, "/api/messages", sendRequest{
		Content:       content,
		CorrelationID: correlationID,
	}, &msg)
	return msg, err
}

// Delete soft-deletes a message by server id. Moderator only.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+id, nil, nil)
}

// Ping refreshes this user's presence.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/ping", nil, nil)
}

// ListOnline returns the current roster snapshot.
func (c *Client) ListOnline(ctx context.Context) ([]models.PresenceEntry, error) {
	var roster []models.PresenceEntry
	if err := c.do(ctx, http.MethodGet, "/api/online", nil, &roster); err != nil {
		return nil, err
	}
	return roster, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &models.NetworkError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.asError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	ResetAt int64  `json:"resetAt,omitempty"`
}

// asError maps HTTP failures onto the client error taxonomy so callers can
// branch with errors.As/Is instead of inspecting status codes.
func (c *Client) asError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return models.ErrAuthExpired
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return &models.ValidationError{Reason: body.Error}
	case http.StatusTooManyRequests:
		resetAt := time.Unix(0, body.ResetAt*int64(time.Millisecond))
		if body.ResetAt == 0 {
			if retry, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				resetAt = time.Now().Add(time.Duration(retry) * time.Second)
			}
		}
		return &models.RateLimitError{ResetAt: resetAt}
	default:
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
}
