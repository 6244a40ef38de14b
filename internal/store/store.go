// Package store persists users, conversations and messages.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

// Store is the persistence boundary used by the service and stream layers.
//
// Lookups of absent rows return an error wrapping domain.ErrNotFound.
// Ownership is enforced by callers; ListMessages additionally filters by
// owner so a wrong identity never sees foreign rows.
type Store interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	// UpdateConversation applies patch and bumps UpdatedAt. An empty patch
	// only bumps UpdatedAt.
	UpdateConversation(ctx context.Context, id string, patch domain.ConversationPatch) (*domain.Conversation, error)
	// ListConversations returns the active conversations of userID, most
	// recently updated first.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// SaveMessage assigns ID and Timestamp and inserts msg atomically.
	SaveMessage(ctx context.Context, msg *domain.Message) error
	// ListMessages returns the messages of a conversation in timestamp order,
	// ties broken by ID.
	ListMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, dsn)
	default:
		return NewSQLiteStore(dsn)
	}
}

// now is the store clock. Millisecond precision keeps timestamps aligned
// with the ULID time component.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newMessageID(ts time.Time) string {
	return ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String()
}
