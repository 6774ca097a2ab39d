// Package httpapi serves the chat server's HTTP API: sessions, the message
// store, presence and the websocket endpoint.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"parlor/internal/auth"
	"parlor/internal/push"
	"parlor/internal/ws"
)

type Server struct {
	server *http.Server
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewServer(authService *auth.Service, hub *ws.Hub, notifier *push.Notifier, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	wsServer := ws.NewServer(authService, hub, log)
	api := NewAPI(authService, hub, notifier, log)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.LoginHandler)
	mux.HandleFunc("POST /api/logoff", api.LogoffHandler)
	mux.HandleFunc("POST /api/refresh", api.RefreshHandler)
	mux.HandleFunc("GET /api/me", api.RequireAuth(api.MeHandler))
	mux.HandleFunc("GET /api/messages", api.RequireAuth(api.MessagesHandler))
	mux.HandleFunc("POST /api/messages", api.RequireAuth(api.SendMessageHandler))
	mux.HandleFunc("DELETE /api/messages/{id}", api.RequireAuth(api.DeleteMessageHandler))
	mux.HandleFunc("POST /api/ping", api.RequireAuth(api.PingHandler))
	mux.HandleFunc("GET /api/online", api.RequireAuth(api.OnlineHandler))
	mux.HandleFunc("GET /api/cooldown", api.RequireAuth(api.CooldownHandler))
	mux.HandleFunc("POST /api/push/subscribe", api.RequireAuth(api.PushSubscribeHandler))
	mux.HandleFunc("GET /api/push/key", api.PushKeyHandler)

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

// Handler exposes the routed handler for in-process test servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
