// Package domain defines the core domain models for the chat sync server.
package domain

import "time"

// Role represents the author role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// User is an account that can authenticate and own conversations.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Conversation groups messages owned by a single user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationPatch lists the fields an owner may change.
// Nil fields are left untouched.
type ConversationPatch struct {
	Title    *string `json:"title,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	Role           Role      `json:"role"`
	Timestamp      time.Time `json:"timestamp"`
}
