package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

func TestAuthorizeConversation(t *testing.T) {
	ctx := context.Background()
	engine, err := NewDefaultEngine(ctx)
	require.NoError(t, err)

	active := &domain.Conversation{ID: "c1", UserID: "alice", IsActive: true}
	deleted := &domain.Conversation{ID: "c2", UserID: "alice", IsActive: false}

	cases := []struct {
		name     string
		identity string
		action   string
		conv     *domain.Conversation
		want     error
	}{
		{"owner reads", "alice", ActionRead, active, nil},
		{"owner writes", "alice", ActionWrite, active, nil},
		{"stranger reads", "bob", ActionRead, active, domain.ErrForbidden},
		{"stranger writes deleted", "bob", ActionWrite, deleted, domain.ErrForbidden},
		{"owner writes deleted", "alice", ActionWrite, deleted, domain.ErrNotFound},
		{"owner reads deleted", "alice", ActionRead, deleted, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.AuthorizeConversation(ctx, tc.identity, tc.action, tc.conv)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package broken\n decision = {")
	assert.Error(t, err)
}
