package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"parlor/internal/auth"
)

type Server struct {
	auth     *auth.Service
	hub      *Hub
	log      *slog.Logger
	upgrader *websocket.Upgrader
}

func NewServer(auth *auth.Service, hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth: auth,
		hub:  hub,
		log:  log,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on websocket dials, so the token may also
	// arrive as a query parameter.
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	user, err := s.auth.User(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, s.auth.UserID, ws, user)
	if err := conn.Handle(r.Context()); err != nil {
		s.log.Debug("websocket session ended", "user_id", user.ID, "error", err)
	}
}
