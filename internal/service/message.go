package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/llm"
	"github.com/caiyusheng650/SocketChatAI/internal/metrics"
	"github.com/caiyusheng650/SocketChatAI/internal/policy"
)

// FallbackReply stands in for an empty non-streamed completion.
const FallbackReply = "Sorry, I could not come up with a reply."

// ListMessages returns the history of a conversation owned by identity.
func (s *Service) ListMessages(ctx context.Context, identity, conversationID string) ([]domain.Message, error) {
	if _, err := s.AuthorizeConversation(ctx, identity, conversationID, policy.ActionRead); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, conversationID, identity)
	if err != nil {
		return nil, persistErr("list messages", err)
	}
	return messages, nil
}

// SaveMessage persists a message and counts it.
func (s *Service) SaveMessage(ctx context.Context, msg *domain.Message) error {
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return persistErr("save message", err)
	}
	metrics.MessagesSaved.WithLabelValues(string(msg.Role)).Inc()
	return nil
}

// SendMessage stores a user message and answers it with a single-shot
// completion. When the completion fails the user message stays persisted
// and is returned alongside the error.
func (s *Service) SendMessage(ctx context.Context, identity, conversationID, content string) (*domain.Message, *domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	if _, err := s.AuthorizeConversation(ctx, identity, conversationID, policy.ActionWrite); err != nil {
		return nil, nil, err
	}

	history, err := s.History(ctx, identity, conversationID)
	if err != nil {
		return nil, nil, err
	}

	userMsg := &domain.Message{
		UserID:         identity,
		ConversationID: conversationID,
		Content:        content,
		Role:           domain.RoleUser,
	}
	if err := s.SaveMessage(ctx, userMsg); err != nil {
		return nil, nil, err
	}

	reply, err := s.llmClient.Complete(ctx, llm.BuildPrompt(history, content))
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("completion failed")
		return userMsg, nil, fmt.Errorf("failed to complete: %w", wrapUpstream(err))
	}
	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}

	aiMsg := &domain.Message{
		UserID:         identity,
		ConversationID: conversationID,
		Content:        reply,
		Role:           domain.RoleAssistant,
	}
	if err := s.SaveMessage(ctx, aiMsg); err != nil {
		return userMsg, nil, err
	}
	if err := s.TouchConversation(ctx, conversationID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to bump conversation")
	}
	return userMsg, aiMsg, nil
}

// CreateSystemMessage stores a system notice in a conversation of identity.
func (s *Service) CreateSystemMessage(ctx context.Context, identity, conversationID, content string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	if _, err := s.AuthorizeConversation(ctx, identity, conversationID, policy.ActionWrite); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		UserID:         identity,
		ConversationID: conversationID,
		Content:        content,
		Role:           domain.RoleSystem,
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func wrapUpstream(err error) error {
	if err == nil || errors.Is(err, domain.ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
}

// History returns the stored messages of a conversation without an access
// check. Callers authorize first.
func (s *Service) History(ctx context.Context, identity, conversationID string) ([]domain.Message, error) {
	messages, err := s.store.ListMessages(ctx, conversationID, identity)
	if err != nil {
		return nil, persistErr("load history", err)
	}
	return messages, nil
}
