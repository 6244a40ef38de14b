package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiyusheng650/SocketChatAI/internal/auth"
	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/llm"
	"github.com/caiyusheng650/SocketChatAI/internal/policy"
	"github.com/caiyusheng650/SocketChatAI/tests/helpers"
)

// recordingClient captures prompts passed to the wrapped client.
type recordingClient struct {
	llm.Client
	mu      sync.Mutex
	prompts [][]llm.ChatMessage
}

func (r *recordingClient) Complete(ctx context.Context, msgs []llm.ChatMessage) (string, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, msgs)
	r.mu.Unlock()
	return r.Client.Complete(ctx, msgs)
}

func newTestService(t *testing.T, client llm.Client) *Service {
	t.Helper()
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	return New(helpers.NewTestSQLiteStore(t), engine, client, auth.NewGate("secret", time.Hour), zerolog.Nop())
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, llm.NewMockClient("ok", 0))

	user, token, err := svc.Register(ctx, "alice", "hunter22")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	identity, err := svc.gate.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity)

	_, _, err = svc.Register(ctx, "alice", "another1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, _, err = svc.Register(ctx, "bob", "short")
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, _, err := svc.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, _, err = svc.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, _, err = svc.Login(ctx, "nobody", "whatever")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestCreateConversationDefaultsTitle(t *testing.T) {
	svc := newTestService(t, llm.NewMockClient("ok", 0))

	conv, err := svc.CreateConversation(context.Background(), "alice", "   ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conv.Title, "New conversation "))
	assert.True(t, conv.IsActive)
	assert.Equal(t, "alice", conv.UserID)
}

func TestForbiddenAndNotFoundAreDistinct(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, llm.NewMockClient("ok", 0))

	conv, err := svc.CreateConversation(ctx, "alice", "mine")
	require.NoError(t, err)

	_, err = svc.ListMessages(ctx, "bob", conv.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.False(t, errors.Is(err, domain.ErrNotFound))

	_, err = svc.ListMessages(ctx, "alice", "no-such-conversation")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, errors.Is(err, domain.ErrForbidden))

	_, err = svc.RenameConversation(ctx, "bob", conv.ID, "stolen")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, _, err = svc.SendMessage(ctx, "bob", conv.ID, "hi")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestDeleteConversationIsSoft(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, llm.NewMockClient("ok", 0))

	conv, err := svc.CreateConversation(ctx, "alice", "temp")
	require.NoError(t, err)

	deleted, err := svc.DeleteConversation(ctx, "alice", conv.ID)
	require.NoError(t, err)
	assert.False(t, deleted.IsActive)

	list, err := svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = svc.SendMessage(ctx, "alice", conv.ID, "hello?")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.ListMessages(ctx, "alice", conv.ID)
	assert.NoError(t, err, "history of a deleted conversation stays readable")
}

func TestRenameValidatesTitle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, llm.NewMockClient("ok", 0))
	conv, err := svc.CreateConversation(ctx, "alice", "old")
	require.NoError(t, err)

	_, err = svc.RenameConversation(ctx, "alice", conv.ID, " ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	renamed, err := svc.RenameConversation(ctx, "alice", conv.ID, "  new  ")
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Title)
	assert.False(t, renamed.UpdatedAt.Before(conv.UpdatedAt))
}

func TestSendMessagePersistsBothSides(t *testing.T) {
	ctx := context.Background()
	client := &recordingClient{Client: llm.NewMockClient("Hello, Alice!", 0)}
	svc := newTestService(t, client)

	conv, err := svc.CreateConversation(ctx, "alice", "chat")
	require.NoError(t, err)
	_, err = svc.CreateSystemMessage(ctx, "alice", conv.ID, "welcome")
	require.NoError(t, err)

	userMsg, aiMsg, err := svc.SendMessage(ctx, "alice", conv.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, userMsg.Role)
	assert.Equal(t, "Hello, Alice!", aiMsg.Content)
	assert.Equal(t, domain.RoleAssistant, aiMsg.Role)

	_, _, err = svc.SendMessage(ctx, "alice", conv.ID, "again")
	require.NoError(t, err)

	require.Len(t, client.prompts, 2)
	assert.Equal(t, []llm.ChatMessage{{Role: "user", Content: "hi"}}, client.prompts[0])
	assert.Equal(t, []llm.ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "Hello, Alice!"},
		{Role: "user", Content: "again"},
	}, client.prompts[1], "system messages are left out and nothing is duplicated")

	history, err := svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, domain.RoleSystem, history[0].Role)
	assert.Equal(t, userMsg.ID, history[1].ID)
	assert.Equal(t, aiMsg.ID, history[2].ID)
}

func TestSendMessageUpstreamFailureKeepsUserMessage(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &llm.MockClient{OpenErr: errors.New("provider down")})

	conv, err := svc.CreateConversation(ctx, "alice", "chat")
	require.NoError(t, err)

	userMsg, aiMsg, err := svc.SendMessage(ctx, "alice", conv.ID, "hi")
	assert.ErrorIs(t, err, domain.ErrUpstream)
	require.NotNil(t, userMsg)
	assert.Nil(t, aiMsg)

	history, err := svc.ListMessages(ctx, "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, userMsg.ID, history[0].ID)
}

func TestSendMessageValidatesInput(t *testing.T) {
	svc := newTestService(t, llm.NewMockClient("ok", 0))

	_, _, err := svc.SendMessage(context.Background(), "alice", "c1", "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = svc.SendMessage(context.Background(), "alice", "", "hi")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
