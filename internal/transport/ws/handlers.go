package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/hub"
	"github.com/caiyusheng650/SocketChatAI/internal/metrics"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
	"github.com/caiyusheng650/SocketChatAI/internal/stream"
)

const defaultRequestTimeout = 30 * time.Second

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(ctx context.Context, conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, protocol.TypeError, fmt.Errorf("%w: invalid JSON message", domain.ErrValidation))
		return
	}

	switch baseMsg.Type {
	case protocol.TypeAuthenticate:
		var msg protocol.AuthenticateMessage
		if s.decode(conn, data, &msg, protocol.TypeError) {
			s.authenticate(conn, msg.Token)
		}
	case protocol.TypeSendStreamMessage:
		s.handleSendStream(ctx, conn, data)
	case protocol.TypeSendMessage:
		s.handleSend(ctx, conn, data)
	case protocol.TypeCreateConversation:
		s.handleCreateConversation(ctx, conn, data)
	case protocol.TypeGetConversations:
		s.handleGetConversations(ctx, conn)
	case protocol.TypeGetConversationMessages:
		s.handleGetConversationMessages(ctx, conn, data)
	case protocol.TypeRenameConversation:
		s.handleRenameConversation(ctx, conn, data)
	case protocol.TypeDeleteConversation:
		s.handleDeleteConversation(ctx, conn, data)
	default:
		s.sendError(conn, protocol.TypeError, fmt.Errorf("%w: unknown message type: %s", domain.ErrValidation, baseMsg.Type))
	}
}

func (s *Server) decode(conn *hub.Connection, data []byte, v interface{}, errType string) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.sendError(conn, errType, fmt.Errorf("%w: invalid message: %v", domain.ErrValidation, err))
		return false
	}
	return true
}

// authenticate verifies token and binds its identity to conn.
func (s *Server) authenticate(conn *hub.Connection, token string) {
	identity, err := s.gate.Authenticate(token)
	if err == nil {
		err = s.hub.Bind(conn, identity)
	}
	if err != nil {
		s.logger.Info().Err(err).Str("conn_id", conn.ID).Msg("authentication failed")
		s.hub.SendTo(conn.ID, protocol.AuthenticatedMessage{
			BaseMessage: protocol.NewBase(protocol.TypeAuthenticated),
			Success:     false,
			Error:       err.Error(),
		})
		return
	}

	s.hub.SendTo(conn.ID, protocol.AuthenticatedMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeAuthenticated),
		Success:      true,
		ConnectionID: conn.ID,
		UserID:       identity,
	})
}

// identity returns the bound identity or reports Unauthenticated to conn.
func (s *Server) identity(conn *hub.Connection, errType string) (string, bool) {
	identity := conn.Identity()
	if identity == "" {
		s.sendError(conn, errType, fmt.Errorf("%w: send authenticate first", domain.ErrUnauthenticated))
		return "", false
	}
	return identity, true
}

// allowSend applies the per-identity send rate.
func (s *Server) allowSend(conn *hub.Connection, identity, conversationID string) bool {
	if s.limiter.Allow(identity) {
		return true
	}
	metrics.RateLimitHits.WithLabelValues("ws").Inc()
	msg := protocol.NewError(protocol.TypeMessageError, fmt.Errorf("%w: slow down", domain.ErrRateLimited))
	msg.ConversationID = conversationID
	s.hub.SendTo(conn.ID, msg)
	return false
}

// handleSendStream starts a streamed reply. The ack and every later event of
// the stream are sent by the dispatcher.
func (s *Server) handleSendStream(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.SendMessage
	if !s.decode(conn, data, &msg, protocol.TypeMessageError) {
		return
	}
	identity, ok := s.identity(conn, protocol.TypeMessageError)
	if !ok || !s.allowSend(conn, identity, msg.ConversationID) {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout())
	defer cancel()

	_, err := s.streams.Start(reqCtx, stream.Request{
		Identity:               identity,
		ConversationID:         msg.ConversationID,
		Content:                msg.Content,
		OriginatorConnectionID: conn.ID,
	})
	if err != nil {
		s.sendMessageError(conn, msg.ConversationID, err)
		return
	}
	conn.SetConversationID(msg.ConversationID)
}

// handleSend answers with a single-shot completion. It runs off the read
// loop so a slow completion does not hold up pongs and other commands.
func (s *Server) handleSend(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.SendMessage
	if !s.decode(conn, data, &msg, protocol.TypeMessageError) {
		return
	}
	identity, ok := s.identity(conn, protocol.TypeMessageError)
	if !ok || !s.allowSend(conn, identity, msg.ConversationID) {
		return
	}
	conn.SetConversationID(msg.ConversationID)

	go func() {
		// The reply is stored and synced even if conn goes away.
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout())
		defer cancel()

		userMsg, aiMsg, err := s.svc.SendMessage(reqCtx, identity, msg.ConversationID, msg.Content)
		if userMsg != nil {
			s.hub.SendTo(conn.ID, protocol.UserMessageReceivedMessage{
				BaseMessage:    protocol.NewBase(protocol.TypeUserMessageReceived),
				Message:        *userMsg,
				ConversationID: msg.ConversationID,
			})
			s.syncMessage(identity, conn.ID, protocol.SyncKindUser, *userMsg)
		}
		if err != nil {
			s.sendMessageError(conn, msg.ConversationID, err)
			return
		}

		s.hub.SendTo(conn.ID, protocol.AIResponseMessage{
			BaseMessage:    protocol.NewBase(protocol.TypeAIResponse),
			Message:        *aiMsg,
			ConversationID: msg.ConversationID,
		})
		s.syncMessage(identity, conn.ID, protocol.SyncKindAssistant, *aiMsg)
	}()
}

func (s *Server) syncMessage(identity, exceptConnID, kind string, m domain.Message) {
	s.hub.BroadcastExcept(identity, exceptConnID, protocol.MessageSyncMessage{
		BaseMessage:    protocol.NewBase(protocol.TypeMessageSync),
		Kind:           kind,
		Message:        m,
		ConversationID: m.ConversationID,
	})
}

func (s *Server) handleCreateConversation(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.CreateConversationMessage
	if !s.decode(conn, data, &msg, protocol.TypeConversationError) {
		return
	}
	identity, ok := s.identity(conn, protocol.TypeConversationError)
	if !ok {
		return
	}

	conv, err := s.svc.CreateConversation(ctx, identity, msg.Title)
	if err != nil {
		s.sendError(conn, protocol.TypeConversationError, err)
		return
	}
	conn.SetConversationID(conv.ID)

	s.hub.SendTo(conn.ID, protocol.ConversationCreatedMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeConversationCreated),
		Conversation: *conv,
	})
	s.hub.BroadcastExcept(identity, conn.ID, protocol.ConversationSyncMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeConversationSync),
		Action:       protocol.ConversationActionCreated,
		Conversation: *conv,
	})
}

func (s *Server) handleGetConversations(ctx context.Context, conn *hub.Connection) {
	identity, ok := s.identity(conn, protocol.TypeConversationError)
	if !ok {
		return
	}

	convs, err := s.svc.ListConversations(ctx, identity)
	if err != nil {
		s.sendError(conn, protocol.TypeConversationError, err)
		return
	}
	s.hub.SendTo(conn.ID, protocol.ConversationsMessage{
		BaseMessage:   protocol.NewBase(protocol.TypeConversations),
		Conversations: convs,
	})
}

func (s *Server) handleGetConversationMessages(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.ConversationRequest
	if !s.decode(conn, data, &msg, protocol.TypeConversationError) {
		return
	}
	identity, ok := s.identity(conn, protocol.TypeConversationError)
	if !ok {
		return
	}

	messages, err := s.svc.ListMessages(ctx, identity, msg.ConversationID)
	if err != nil {
		s.sendConversationError(conn, msg.ConversationID, err)
		return
	}
	conn.SetConversationID(msg.ConversationID)

	s.hub.SendTo(conn.ID, protocol.ConversationMessagesMessage{
		BaseMessage:    protocol.NewBase(protocol.TypeConversationMessages),
		ConversationID: msg.ConversationID,
		Messages:       messages,
	})
}

// handleRenameConversation reports the change to every device, the
// requesting one included.
func (s *Server) handleRenameConversation(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.RenameConversationMessage
	if !s.decode(conn, data, &msg, protocol.TypeConversationError) {
		return
	}
	identity, ok := s.identity(conn, protocol.TypeConversationError)
	if !ok {
		return
	}

	conv, err := s.svc.RenameConversation(ctx, identity, msg.ConversationID, msg.Title)
	if err != nil {
		s.sendConversationError(conn, msg.ConversationID, err)
		return
	}
	s.hub.Broadcast(identity, protocol.ConversationSyncMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeConversationSync),
		Action:       protocol.ConversationActionUpdated,
		Conversation: *conv,
	})
}

func (s *Server) handleDeleteConversation(ctx context.Context, conn *hub.Connection, data []byte) {
	var msg protocol.ConversationRequest
	if !s.decode(conn, data, &msg, protocol.TypeConversationError) {
		return
	}
	identity, ok := s.identity(conn, protocol.TypeConversationError)
	if !ok {
		return
	}

	conv, err := s.svc.DeleteConversation(ctx, identity, msg.ConversationID)
	if err != nil {
		s.sendConversationError(conn, msg.ConversationID, err)
		return
	}
	s.hub.Broadcast(identity, protocol.ConversationSyncMessage{
		BaseMessage:  protocol.NewBase(protocol.TypeConversationSync),
		Action:       protocol.ConversationActionDeleted,
		Conversation: *conv,
	})
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, errType string, err error) {
	s.logRequestError(conn, err)
	s.hub.SendTo(conn.ID, protocol.NewError(errType, err))
}

func (s *Server) sendMessageError(conn *hub.Connection, conversationID string, err error) {
	s.logRequestError(conn, err)
	msg := protocol.NewError(protocol.TypeMessageError, err)
	msg.ConversationID = conversationID
	s.hub.SendTo(conn.ID, msg)
}

func (s *Server) sendConversationError(conn *hub.Connection, conversationID string, err error) {
	s.logRequestError(conn, err)
	msg := protocol.NewError(protocol.TypeConversationError, err)
	msg.ConversationID = conversationID
	s.hub.SendTo(conn.ID, msg)
}

func (s *Server) logRequestError(conn *hub.Connection, err error) {
	event := s.logger.Debug()
	if errors.Is(err, domain.ErrPersistence) || errors.Is(err, domain.ErrUpstream) || errors.Is(err, domain.ErrForbidden) {
		event = s.logger.Warn()
	}
	event.Err(err).Str("conn_id", conn.ID).Str("identity", conn.Identity()).Msg("request failed")
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.RequestTimeout > 0 {
		return s.cfg.RequestTimeout
	}
	return defaultRequestTimeout
}
