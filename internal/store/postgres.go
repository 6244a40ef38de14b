package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, is_active, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, message_id)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser inserts a user. A taken username yields domain.ErrConflict.
func (s *PostgresStore) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (user_id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("username %q: %w", user.Username, domain.ErrConflict)
	}
	return err
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.getUser(ctx, `WHERE user_id = $1`, id)
}

// GetUserByUsername retrieves a user by username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.getUser(ctx, `WHERE username = $1`, username)
}

func (s *PostgresStore) getUser(ctx context.Context, where, arg string) (*domain.User, error) {
	u := &domain.User{}
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, username, password_hash, created_at FROM users `+where, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", arg, domain.ErrNotFound)
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// CreateConversation inserts a conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (conversation_id, user_id, title, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.UserID, conv.Title, conv.IsActive, conv.CreatedAt, conv.UpdatedAt)
	return err
}

// GetConversation retrieves a conversation by ID, active or not.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT conversation_id, user_id, title, is_active, created_at, updated_at
		 FROM conversations WHERE conversation_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// UpdateConversation applies patch and bumps updated_at.
func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, patch domain.ConversationPatch) (*domain.Conversation, error) {
	sets := []string{"updated_at = $1"}
	args := []any{now()}
	if patch.Title != nil {
		args = append(args, *patch.Title)
		sets = append(sets, fmt.Sprintf("title = $%d", len(args)))
	}
	if patch.IsActive != nil {
		args = append(args, *patch.IsActive)
		sets = append(sets, fmt.Sprintf("is_active = $%d", len(args)))
	}
	args = append(args, id)

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE conversations SET `+strings.Join(sets, ", ")+
			fmt.Sprintf(` WHERE conversation_id = $%d`, len(args))+
			` RETURNING conversation_id, user_id, title, is_active, created_at, updated_at`,
		args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return c, nil
}

// ListConversations returns the active conversations of a user.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id, title, is_active, created_at, updated_at
		 FROM conversations WHERE user_id = $1 AND is_active
		 ORDER BY updated_at DESC, conversation_id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []domain.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// SaveMessage assigns an ID and timestamp and inserts the message.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg *domain.Message) error {
	ts := now()
	id := newMessageID(ts)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (message_id, conversation_id, user_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, msg.ConversationID, msg.UserID, string(msg.Role), msg.Content, ts)
	if err != nil {
		return err
	}
	msg.ID = id
	msg.Timestamp = ts
	return nil
}

// ListMessages retrieves the messages of a conversation owned by userID.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, conversation_id, user_id, role, content, created_at
		 FROM messages WHERE conversation_id = $1 AND user_id = $2
		 ORDER BY created_at ASC, message_id ASC`, conversationID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.Timestamp = m.Timestamp.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}
