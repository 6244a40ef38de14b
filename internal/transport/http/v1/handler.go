// Package v1 provides the REST API of the chat server.
package v1

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/auth"
	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/ratelimit"
	"github.com/caiyusheng650/SocketChatAI/internal/service"
)

const identityKey = "identity"

// Broadcaster delivers a message to every connection of an identity.
type Broadcaster interface {
	Broadcast(identity string, v interface{})
}

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	gate    *auth.Gate
	hub     Broadcaster
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, gate *auth.Gate, hub Broadcaster, limiter *ratelimit.Limiter, logger zerolog.Logger) *Handler {
	return &Handler{
		service: svc,
		gate:    gate,
		hub:     hub,
		limiter: limiter,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)

	authed := api.Group("", h.RequireAuth)
	authed.GET("/auth/me", h.Me)

	authed.POST("/conversations", h.CreateConversation)
	authed.GET("/conversations", h.ListConversations)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.PUT("/conversations/:id", h.UpdateConversation)
	authed.DELETE("/conversations/:id", h.DeleteConversation)
	authed.GET("/conversations/:id/messages", h.ListMessages)

	authed.POST("/messages/send", h.SendMessage)
	authed.POST("/messages/system", h.CreateSystemMessage)
}

// RequireAuth resolves the bearer token into an identity.
func (h *Handler) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if strings.TrimSpace(header) == "" {
			return h.fail(c, domain.ErrUnauthenticated)
		}
		identity, err := h.gate.Authenticate(header)
		if err != nil {
			return h.fail(c, err)
		}
		c.Set(identityKey, identity)
		return next(c)
	}
}

func identityFrom(c echo.Context) string {
	identity, _ := c.Get(identityKey).(string)
	return identity
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := StatusCode(err)
	event := h.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).Str("path", c.Path()).Int("status", status).Msg("request failed")
	return c.JSON(status, ErrorResponse{Error: err.Error(), Code: domain.ErrorCode(err)})
}

var errInvalidBody = fmt.Errorf("%w: invalid request body", domain.ErrValidation)
