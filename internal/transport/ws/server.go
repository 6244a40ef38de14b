// Package ws provides the WebSocket endpoint clients sync through.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/auth"
	"github.com/caiyusheng650/SocketChatAI/internal/config"
	"github.com/caiyusheng650/SocketChatAI/internal/hub"
	"github.com/caiyusheng650/SocketChatAI/internal/ratelimit"
	"github.com/caiyusheng650/SocketChatAI/internal/service"
	"github.com/caiyusheng650/SocketChatAI/internal/stream"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	svc      *service.Service
	gate     *auth.Gate
	streams  *stream.Coordinator
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, svc *service.Service, gate *auth.Gate, streams *stream.Coordinator, limiter *ratelimit.Limiter, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     h,
		svc:     svc,
		gate:    gate,
		streams: streams,
		limiter: limiter,
		logger:  logger.With().Str("component", "ws").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows every origin when none are configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle. A token
// passed as ?token= authenticates the connection right away.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConnection(ws)
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	// Bind before reading so the first command already sees the identity.
	if token := c.QueryParam("token"); token != "" {
		s.authenticate(conn, token)
	}

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.Background())

	go s.writePump(conn)
	go s.readPump(ctx, cancel, conn)
	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(ctx context.Context, cancel context.CancelFunc, conn *hub.Connection) {
	defer func() {
		cancel()
		s.hub.Detach(conn)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", conn.ID).Msg("websocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		s.handleMessage(ctx, conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", conn.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
