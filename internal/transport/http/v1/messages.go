package v1

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/metrics"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
)

// SendMessageRequest is the body of the message endpoints.
type SendMessageRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

// SendMessageResponse carries both persisted messages of a send.
type SendMessageResponse struct {
	UserMessage *domain.Message `json:"userMessage"`
	AIMessage   *domain.Message `json:"aiMessage"`
}

// SendMessage stores a user message and answers it without streaming.
// Every open socket of the caller receives both messages as message_sync.
// POST /api/messages/send
func (h *Handler) SendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, errInvalidBody)
	}

	identity := identityFrom(c)
	if !h.limiter.Allow(identity) {
		metrics.RateLimitHits.WithLabelValues("http").Inc()
		return h.fail(c, fmt.Errorf("%w: slow down", domain.ErrRateLimited))
	}

	userMsg, aiMsg, err := h.service.SendMessage(c.Request().Context(), identity, req.ConversationID, req.Content)
	if userMsg != nil {
		h.syncMessage(identity, protocol.SyncKindUser, userMsg)
	}
	if err != nil {
		return h.fail(c, err)
	}
	h.syncMessage(identity, protocol.SyncKindAssistant, aiMsg)

	return c.JSON(http.StatusOK, SendMessageResponse{UserMessage: userMsg, AIMessage: aiMsg})
}

// CreateSystemMessage stores a system notice in a conversation.
// POST /api/messages/system
func (h *Handler) CreateSystemMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, errInvalidBody)
	}

	identity := identityFrom(c)
	msg, err := h.service.CreateSystemMessage(c.Request().Context(), identity, req.ConversationID, req.Content)
	if err != nil {
		return h.fail(c, err)
	}
	h.syncMessage(identity, protocol.SyncKindSystem, msg)

	return c.JSON(http.StatusCreated, map[string]interface{}{"message": msg})
}

func (h *Handler) syncMessage(identity, kind string, m *domain.Message) {
	h.hub.Broadcast(identity, protocol.MessageSyncMessage{
		BaseMessage:    protocol.NewBase(protocol.TypeMessageSync),
		Kind:           kind,
		Message:        *m,
		ConversationID: m.ConversationID,
	})
}
