// Package service implements the conversation, message and account use cases
// shared by the WebSocket, HTTP and RPC transports.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/auth"
	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/llm"
	"github.com/caiyusheng650/SocketChatAI/internal/store"
)

// Authorizer decides whether an identity may act on a conversation.
type Authorizer interface {
	AuthorizeConversation(ctx context.Context, identity, action string, conv *domain.Conversation) error
}

type Service struct {
	store     store.Store
	policy    Authorizer
	llmClient llm.Client
	gate      *auth.Gate
	logger    zerolog.Logger
}

func New(store store.Store, policy Authorizer, llmClient llm.Client, gate *auth.Gate, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		policy:    policy,
		llmClient: llmClient,
		gate:      gate,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Store exposes the underlying store.
func (s *Service) Store() store.Store {
	return s.store
}

// persistErr classifies a store error. Lookup and uniqueness errors keep
// their own class; everything else is a persistence failure.
func persistErr(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w: %w", op, domain.ErrPersistence, err)
}
