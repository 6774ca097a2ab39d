package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"parlor/internal/auth"
	"parlor/internal/content"
	"parlor/internal/models"
	"parlor/internal/push"
	"parlor/internal/ws"
)

type contextKey int

const userContextKey contextKey = iota

type API struct {
	auth     *auth.Service
	hub      *ws.Hub
	notifier *push.Notifier
	log      *slog.Logger
}

func NewAPI(authService *auth.Service, hub *ws.Hub, notifier *push.Notifier, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{auth: authService, hub: hub, notifier: notifier, log: log}
}

func (a *API) getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth resolves the session token and injects the user into the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.User(a.getToken(r))
		if err != nil {
			a.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

func requestUser(r *http.Request) models.User {
	user, _ := r.Context().Value(userContextKey).(models.User)
	return user
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp := a.auth.Login(req)
	if !resp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		a.writeJSON(w, resp)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
	a.writeJSON(w, resp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := a.auth.Refresh(a.getToken(r))
	if err != nil {
		a.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
	a.writeJSON(w, resp)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, requestUser(r))
}

// MessagesHandler returns the recent window, most recent first. With
// format=html each message carries its rendered body as well.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	msgs := a.hub.Messages(limit)
	// Oldest first in the window, most recent first on the wire.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	if r.URL.Query().Get("format") == "html" {
		for i := range msgs {
			html, err := content.RenderMarkdown(msgs[i].Content)
			if err != nil {
				a.log.Error("failed to render message", "message_id", msgs[i].ID, "error", err)
				continue
			}
			msgs[i].HTML = html
		}
	}

	a.writeJSON(w, msgs)
}

type sendRequest struct {
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId"`
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.hub.SendMessage(requestUser(r), req.Content, req.CorrelationID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, msg)
}

func (a *API) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.hub.DeleteMessage(requestUser(r), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) PingHandler(w http.ResponseWriter, r *http.Request) {
	a.hub.Touch(requestUser(r).ID)
	w.WriteHeader(http.StatusOK)
}

func (a *API) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.hub.Online())
}

func (a *API) CooldownHandler(w http.ResponseWriter, r *http.Request) {
	state := a.hub.Cooldown(requestUser(r).ID)
	a.writeJSON(w, map[string]any{
		"sentInWindow": state.SentInWindow,
		"limit":        state.Limit,
		"resetAt":      state.ResetAt().UnixMilli(),
	})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.notifier.Subscribe(requestUser(r).ID, body); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, map[string]string{"publicKey": a.notifier.PublicKey()})
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	ResetAt int64  `json:"resetAt,omitempty"`
}

// writeError maps domain errors onto status codes and the JSON error body
// clients decode back into their error taxonomy.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *models.ValidationError
		rateLimitErr  *models.RateLimitError
	)

	status := http.StatusInternalServerError
	body := errorResponse{Error: err.Error()}

	switch {
	case errors.As(err, &validationErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &rateLimitErr):
		status = http.StatusTooManyRequests
		body.ResetAt = rateLimitErr.ResetAt.UnixMilli()
		retryAfter := int(time.Until(rateLimitErr.ResetAt).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	case errors.Is(err, models.ErrAuthExpired):
		status = http.StatusUnauthorized
	case errors.Is(err, ws.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Error("failed to encode error response", "error", err)
	}
}
