// Package protocol defines the WebSocket message protocol between clients and
// the chat server.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

// Message types from client to server
const (
	TypeAuthenticate            = "authenticate"
	TypeSendStreamMessage       = "send_stream_message"
	TypeSendMessage             = "send_message"
	TypeCreateConversation      = "create_conversation"
	TypeGetConversations        = "get_conversations"
	TypeGetConversationMessages = "get_conversation_messages"
	TypeRenameConversation      = "rename_conversation"
	TypeDeleteConversation      = "delete_conversation"
)

// Message types from server to client
const (
	TypeAuthenticated        = "authenticated"
	TypeUserMessageReceived  = "userMessageReceived"
	TypeAIResponse           = "aiResponse"
	TypeStreamUserMessage    = "stream_user_message"
	TypeStreamAIMessage      = "stream_ai_message"
	TypeStreamAIMessageEnd   = "stream_ai_message_end"
	TypeMessageSync          = "message_sync"
	TypeConversationCreated  = "conversationCreated"
	TypeConversations        = "conversations"
	TypeConversationMessages = "conversationMessages"
	TypeConversationSync     = "conversation_sync"
	TypeMessageError         = "messageError"
	TypeConversationError    = "conversationError"
	TypeError                = "error"
)

// message_sync kinds
const (
	SyncKindUser      = "user_message"
	SyncKindAssistant = "ai_response"
	SyncKindSystem    = "system_message"
)

// conversation_sync actions
const (
	ConversationActionCreated = "created"
	ConversationActionUpdated = "updated"
	ConversationActionDeleted = "deleted"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// EventType returns the wire type.
func (b BaseMessage) EventType() string { return b.Type }

// NewBase stamps a message header with the current time.
func NewBase(typ string) BaseMessage {
	return BaseMessage{Type: typ, Ts: time.Now().UnixMilli()}
}

// StreamRef identifies the stream an event belongs to.
type StreamRef struct {
	ConversationID         string `json:"conversationId"`
	OriginatorConnectionID string `json:"originatorConnectionId"`
	StreamID               string `json:"streamId"`
}

// AuthenticateMessage is sent by the client to bind its identity.
type AuthenticateMessage struct {
	BaseMessage
	Token string `json:"token"`
}

// SendMessage carries a user message for send_message and send_stream_message.
type SendMessage struct {
	BaseMessage
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

// CreateConversationMessage asks for a new conversation.
type CreateConversationMessage struct {
	BaseMessage
	Title string `json:"title"`
}

// ConversationRequest addresses one conversation.
type ConversationRequest struct {
	BaseMessage
	ConversationID string `json:"conversationId"`
}

// RenameConversationMessage changes a conversation title.
type RenameConversationMessage struct {
	BaseMessage
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

// AuthenticatedMessage answers authenticate.
type AuthenticatedMessage struct {
	BaseMessage
	Success      bool   `json:"success"`
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// UserMessageReceivedMessage acknowledges a persisted user message to the
// connection that sent it. StreamID is set for streamed sends.
type UserMessageReceivedMessage struct {
	BaseMessage
	Message        domain.Message `json:"message"`
	ConversationID string         `json:"conversationId"`
	StreamID       string         `json:"streamId,omitempty"`
}

// AIResponseMessage delivers a non-streamed assistant reply to its requester.
type AIResponseMessage struct {
	BaseMessage
	Message        domain.Message `json:"message"`
	ConversationID string         `json:"conversationId"`
}

// StreamUserMessage opens a stream on the originator's other devices.
type StreamUserMessage struct {
	BaseMessage
	StreamRef
	Content string         `json:"content"`
	Message domain.Message `json:"message"`
}

// StreamAIMessage carries exactly one fragment.
type StreamAIMessage struct {
	BaseMessage
	StreamRef
	Content string `json:"content"`
	Seq     int    `json:"seq"`
}

// StreamAIMessageEnd terminates a stream. Message is nil when the reply was
// empty or the stream failed.
type StreamAIMessageEnd struct {
	BaseMessage
	StreamRef
	Message *domain.Message `json:"message,omitempty"`
	Failed  bool            `json:"failed,omitempty"`
}

// MessageSyncMessage mirrors a non-streamed message to other devices.
type MessageSyncMessage struct {
	BaseMessage
	Kind           string         `json:"kind"`
	Message        domain.Message `json:"message"`
	ConversationID string         `json:"conversationId"`
}

// ConversationCreatedMessage answers create_conversation.
type ConversationCreatedMessage struct {
	BaseMessage
	Conversation domain.Conversation `json:"conversation"`
}

// ConversationsMessage answers get_conversations.
type ConversationsMessage struct {
	BaseMessage
	Conversations []domain.Conversation `json:"conversations"`
}

// ConversationMessagesMessage answers get_conversation_messages.
type ConversationMessagesMessage struct {
	BaseMessage
	ConversationID string           `json:"conversationId"`
	Messages       []domain.Message `json:"messages"`
}

// ConversationSyncMessage mirrors conversation changes to other devices.
type ConversationSyncMessage struct {
	BaseMessage
	Action       string              `json:"action"`
	Conversation domain.Conversation `json:"conversation"`
}

// ErrorMessage reports a failure to the connection that caused it. Type is
// one of messageError, conversationError or error.
type ErrorMessage struct {
	BaseMessage
	Code           string `json:"code"`
	Error          string `json:"error"`
	ConversationID string `json:"conversationId,omitempty"`
	StreamID       string `json:"streamId,omitempty"`
}

// NewError builds an error message of the given type from err.
func NewError(typ string, err error) ErrorMessage {
	return ErrorMessage{
		BaseMessage: NewBase(typ),
		Code:        domain.ErrorCode(err),
		Error:       err.Error(),
	}
}

// Decode parses a server message into its typed form. Unknown types return
// the bare BaseMessage.
func Decode(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	var v interface{}
	switch base.Type {
	case TypeAuthenticated:
		v = &AuthenticatedMessage{}
	case TypeUserMessageReceived:
		v = &UserMessageReceivedMessage{}
	case TypeAIResponse:
		v = &AIResponseMessage{}
	case TypeStreamUserMessage:
		v = &StreamUserMessage{}
	case TypeStreamAIMessage:
		v = &StreamAIMessage{}
	case TypeStreamAIMessageEnd:
		v = &StreamAIMessageEnd{}
	case TypeMessageSync:
		v = &MessageSyncMessage{}
	case TypeConversationCreated:
		v = &ConversationCreatedMessage{}
	case TypeConversations:
		v = &ConversationsMessage{}
	case TypeConversationMessages:
		v = &ConversationMessagesMessage{}
	case TypeConversationSync:
		v = &ConversationSyncMessage{}
	case TypeMessageError, TypeConversationError, TypeError:
		v = &ErrorMessage{}
	default:
		return &base, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Type, err)
	}
	return v, nil
}
