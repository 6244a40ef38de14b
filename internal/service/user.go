package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/caiyusheng650/SocketChatAI/internal/auth"
	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

const minPasswordLength = 6

// Register creates an account and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, username, password string) (*domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, "", fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}
	if len(password) < minPasswordLength {
		return nil, "", fmt.Errorf("%w: password must be at least %d characters", domain.ErrValidation, minPasswordLength)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", err
	}
	user := &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, "", persistErr("create user", err)
	}

	token, err := s.gate.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info().Str("user_id", user.ID).Str("username", username).Msg("user registered")
	return user, token, nil
}

// Login checks credentials and returns the account with a fresh token.
// Unknown users and wrong passwords are indistinguishable.
func (s *Service) Login(ctx context.Context, username, password string) (*domain.User, string, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, "", fmt.Errorf("%w: username and password are required", domain.ErrValidation)
	}

	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: invalid username or password", domain.ErrUnauthenticated)
	}
	if err != nil {
		return nil, "", persistErr("load user", err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, "", fmt.Errorf("%w: invalid username or password", domain.ErrUnauthenticated)
	}

	token, err := s.gate.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// GetUser returns the account behind identity.
func (s *Service) GetUser(ctx context.Context, identity string) (*domain.User, error) {
	user, err := s.store.GetUser(ctx, identity)
	if err != nil {
		return nil, persistErr("load user", err)
	}
	return user, nil
}
