package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
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
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
	"github.com/caiyusheng650/SocketChatAI/internal/service"
	"github.com/caiyusheng650/SocketChatAI/tests/helpers"
)

type fakeNotifier struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []protocol.MessageSyncMessage
}

func (f *fakeNotifier) Broadcast(identity string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v.(protocol.MessageSyncMessage))
}

func (f *fakeNotifier) HasConnections(identity string) bool {
	return f.online[identity]
}

func newTestServer(t *testing.T) (*service.Service, *fakeNotifier, func(method string, args, reply interface{}) error) {
	t.Helper()
	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	svc := service.New(helpers.NewTestSQLiteStore(t), engine, &llm.MockClient{}, auth.NewGate("secret", time.Hour), zerolog.Nop())
	notifier := &fakeNotifier{online: map[string]bool{"alice": true}}

	srv, err := NewServer(svc, notifier, zerolog.Nop())
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	go srv.ServeConn(serverConn)
	client := jsonrpc.NewClient(clientConn)
	t.Cleanup(func() { _ = client.Close() })

	return svc, notifier, client.Call
}

func TestPostSystemMessage(t *testing.T) {
	svc, notifier, call := newTestServer(t)
	conv, err := svc.CreateConversation(context.Background(), "alice", "chat")
	require.NoError(t, err)

	var resp SystemMessageResponse
	err = call("Chat.PostSystemMessage", &SystemMessageRequest{UserID: "alice", ConversationID: conv.ID, Content: "quota reset"}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.True(t, resp.Delivered)
	assert.Equal(t, domain.RoleSystem, resp.Message.Role)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, protocol.SyncKindSystem, notifier.sent[0].Kind)
	assert.Equal(t, resp.Message.ID, notifier.sent[0].Message.ID)

	history, err := svc.ListMessages(context.Background(), "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "quota reset", history[0].Content)
}

func TestPostSystemMessageRejectsForeignConversation(t *testing.T) {
	svc, notifier, call := newTestServer(t)
	conv, err := svc.CreateConversation(context.Background(), "alice", "chat")
	require.NoError(t, err)

	var resp SystemMessageResponse
	err = call("Chat.PostSystemMessage", &SystemMessageRequest{UserID: "bob", ConversationID: conv.ID, Content: "hi"}, &resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
	assert.Empty(t, notifier.sent)

	err = call("Chat.PostSystemMessage", &SystemMessageRequest{ConversationID: conv.ID, Content: "hi"}, &resp)
	assert.Error(t, err)
}
