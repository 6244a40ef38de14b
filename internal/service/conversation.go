package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/policy"
)

const maxTitleLength = 200

// DefaultTitle names a conversation created without a title.
func DefaultTitle(now time.Time) string {
	return "New conversation " + now.Format("2006-01-02 15:04:05")
}

// CreateConversation starts a conversation owned by identity.
func (s *Service) CreateConversation(ctx context.Context, identity, title string) (*domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle(time.Now())
	}
	if len(title) > maxTitleLength {
		return nil, fmt.Errorf("%w: title exceeds %d characters", domain.ErrValidation, maxTitleLength)
	}

	conv := &domain.Conversation{
		ID:       uuid.New().String(),
		UserID:   identity,
		Title:    title,
		IsActive: true,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, persistErr("create conversation", err)
	}
	return conv, nil
}

// ListConversations returns identity's active conversations, newest first.
func (s *Service) ListConversations(ctx context.Context, identity string) ([]domain.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, identity)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	return convs, nil
}

// AuthorizeConversation loads a conversation and checks that identity may
// perform action on it. A missing conversation wraps domain.ErrNotFound and
// a foreign one domain.ErrForbidden.
func (s *Service) AuthorizeConversation(ctx context.Context, identity, conversationID, action string) (*domain.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("%w: conversationId is required", domain.ErrValidation)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, persistErr("load conversation", err)
	}
	if err := s.policy.AuthorizeConversation(ctx, identity, action, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns one conversation owned by identity.
func (s *Service) GetConversation(ctx context.Context, identity, conversationID string) (*domain.Conversation, error) {
	return s.AuthorizeConversation(ctx, identity, conversationID, policy.ActionRead)
}

// UpdateConversation applies patch to a conversation owned by identity.
func (s *Service) UpdateConversation(ctx context.Context, identity, conversationID string, patch domain.ConversationPatch) (*domain.Conversation, error) {
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title must not be empty", domain.ErrValidation)
		}
		if len(title) > maxTitleLength {
			return nil, fmt.Errorf("%w: title exceeds %d characters", domain.ErrValidation, maxTitleLength)
		}
		patch.Title = &title
	}

	action := policy.ActionWrite
	if patch.IsActive != nil && *patch.IsActive && patch.Title == nil {
		// Restoring a deleted conversation only needs ownership.
		action = policy.ActionRead
	}
	if _, err := s.AuthorizeConversation(ctx, identity, conversationID, action); err != nil {
		return nil, err
	}

	conv, err := s.store.UpdateConversation(ctx, conversationID, patch)
	if err != nil {
		return nil, persistErr("update conversation", err)
	}
	return conv, nil
}

// RenameConversation changes the title of a conversation owned by identity.
func (s *Service) RenameConversation(ctx context.Context, identity, conversationID, title string) (*domain.Conversation, error) {
	return s.UpdateConversation(ctx, identity, conversationID, domain.ConversationPatch{Title: &title})
}

// DeleteConversation soft-deletes a conversation owned by identity.
func (s *Service) DeleteConversation(ctx context.Context, identity, conversationID string) (*domain.Conversation, error) {
	inactive := false
	return s.UpdateConversation(ctx, identity, conversationID, domain.ConversationPatch{IsActive: &inactive})
}

// TouchConversation bumps a conversation's UpdatedAt.
func (s *Service) TouchConversation(ctx context.Context, conversationID string) error {
	if _, err := s.store.UpdateConversation(ctx, conversationID, domain.ConversationPatch{}); err != nil {
		return persistErr("touch conversation", err)
	}
	return nil
}
