package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
)

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// CreateConversation creates a conversation and syncs it to every device.
// POST /api/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, errInvalidBody)
	}

	identity := identityFrom(c)
	conv, err := h.service.CreateConversation(c.Request().Context(), identity, req.Title)
	if err != nil {
		return h.fail(c, err)
	}
	h.syncConversation(identity, protocol.ConversationActionCreated, conv)
	return c.JSON(http.StatusCreated, conv)
}

// ListConversations lists the active conversations of the caller.
// GET /api/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	convs, err := h.service.ListConversations(c.Request().Context(), identityFrom(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"conversations": convs})
}

// GetConversation gets a conversation owned by the caller.
// GET /api/conversations/:id
func (h *Handler) GetConversation(c echo.Context) error {
	conv, err := h.service.GetConversation(c.Request().Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

// UpdateConversation changes the title or active flag.
// PUT /api/conversations/:id
func (h *Handler) UpdateConversation(c echo.Context) error {
	var patch domain.ConversationPatch
	if err := c.Bind(&patch); err != nil {
		return h.fail(c, errInvalidBody)
	}

	identity := identityFrom(c)
	conv, err := h.service.UpdateConversation(c.Request().Context(), identity, c.Param("id"), patch)
	if err != nil {
		return h.fail(c, err)
	}

	action := protocol.ConversationActionUpdated
	if !conv.IsActive {
		action = protocol.ConversationActionDeleted
	}
	h.syncConversation(identity, action, conv)
	return c.JSON(http.StatusOK, conv)
}

// DeleteConversation soft-deletes a conversation.
// DELETE /api/conversations/:id
func (h *Handler) DeleteConversation(c echo.Context) error {
	identity := identityFrom(c)
	conv, err := h.service.DeleteConversation(c.Request().Context(), identity, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	h.syncConversation(identity, protocol.ConversationActionDeleted, conv)
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
}

// ListMessages returns the history of a conversation.
// GET /api/conversations/:id/messages
func (h *Handler) ListMessages(c echo.Context) error {
	messages, err := h.service.ListMessages(c.Request().Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

func (h *Handler) syncConversation(identity, action string, conv *domain.Conversation) {
	h.hub.Broadcast(identity, protocol.ConversationSyncMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeConversationSync),
		Action:       action,
		Conversation: *conv,
	})
}
