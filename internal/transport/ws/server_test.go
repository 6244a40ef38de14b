package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiyusheng650/SocketChatAI/internal/auth"
	"github.com/caiyusheng650/SocketChatAI/internal/config"
	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/hub"
	"github.com/caiyusheng650/SocketChatAI/internal/llm"
	"github.com/caiyusheng650/SocketChatAI/internal/policy"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
	"github.com/caiyusheng650/SocketChatAI/internal/ratelimit"
	"github.com/caiyusheng650/SocketChatAI/internal/service"
	"github.com/caiyusheng650/SocketChatAI/internal/stream"
	"github.com/caiyusheng650/SocketChatAI/tests/helpers"
)

type testEnv struct {
	url  string
	svc  *service.Service
	gate *auth.Gate
	hub  *hub.Hub
}

func newTestEnv(t *testing.T, client llm.Client, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()

	cfg := &config.Config{
		PingInterval:   time.Minute,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    time.Minute,
		MaxMessageSize: 65536,
		RequestTimeout: 5 * time.Second,
	}
	logger := zerolog.Nop()

	engine, err := policy.NewDefaultEngine(context.Background())
	require.NoError(t, err)
	gate := auth.NewGate("test-secret", time.Hour)
	svc := service.New(helpers.NewTestSQLiteStore(t), engine, client, gate, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(logger)
	go h.Run(ctx)

	coord := stream.NewCoordinator(svc, client, time.Minute, logger)
	go NewDispatcher(h, logger).Run(ctx, coord.Events())

	srv := NewServer(cfg, h, svc, gate, coord, limiter, logger)
	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)

	t.Cleanup(func() {
		ts.Close()
		coord.Wait()
		cancel()
	})

	return &testEnv{
		url:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		svc:  svc,
		gate: gate,
		hub:  h,
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (env *testEnv) dial(t *testing.T, query string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.url+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

// login dials and authenticates as identity, returning the connection id.
func (env *testEnv) login(t *testing.T, identity string) (*testClient, string) {
	t.Helper()
	token, err := env.gate.Issue(identity)
	require.NoError(t, err)

	c := env.dial(t, "")
	c.send(map[string]string{"type": protocol.TypeAuthenticate, "token": token})
	ack := expect[*protocol.AuthenticatedMessage](c)
	require.True(t, ack.Success, ack.Error)
	assert.Equal(t, identity, ack.UserID)
	return c, ack.ConnectionID
}

func (c *testClient) send(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) read() interface{} {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	v, err := protocol.Decode(data)
	require.NoError(c.t, err)
	return v
}

// silent asserts nothing arrives for a short while.
func (c *testClient) silent() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("unexpected message: %s", data)
	}
	var netErr interface{ Timeout() bool }
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
}

func expect[T any](c *testClient) T {
	c.t.Helper()
	v := c.read()
	typed, ok := v.(T)
	require.True(c.t, ok, "got %T, want %T", v, *new(T))
	return typed
}

func sendStream(conversationID, content string) map[string]string {
	return map[string]string{"type": protocol.TypeSendStreamMessage, "conversationId": conversationID, "content": content}
}

func TestStreamFansOutToEveryDevice(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{Chunks: []string{"Hel", "lo wor", "ld"}}, nil)
	conv, err := env.svc.CreateConversation(context.Background(), "alice", "cv1")
	require.NoError(t, err)

	c1, id1 := env.login(t, "alice")
	c2, _ := env.login(t, "alice")

	c1.send(sendStream(conv.ID, "hello"))

	ack := expect[*protocol.UserMessageReceivedMessage](c1)
	assert.Equal(t, "hello", ack.Message.Content)
	assert.NotEmpty(t, ack.StreamID)

	start := expect[*protocol.StreamUserMessage](c2)
	assert.Equal(t, "hello", start.Content)
	assert.Equal(t, id1, start.OriginatorConnectionID)
	assert.Equal(t, ack.StreamID, start.StreamID)
	assert.Equal(t, ack.Message.ID, start.Message.ID)

	var ends []*protocol.StreamAIMessageEnd
	for _, c := range []*testClient{c1, c2} {
		var content strings.Builder
		for i := 1; i <= 3; i++ {
			frag := expect[*protocol.StreamAIMessage](c)
			assert.Equal(t, i, frag.Seq)
			assert.Equal(t, conv.ID, frag.ConversationID)
			content.WriteString(frag.Content)
		}
		assert.Equal(t, "Hello world", content.String())

		end := expect[*protocol.StreamAIMessageEnd](c)
		require.NotNil(t, end.Message)
		assert.Equal(t, "Hello world", end.Message.Content)
		ends = append(ends, end)
	}
	assert.Equal(t, ends[0].Message.ID, ends[1].Message.ID)

	history, err := env.svc.ListMessages(context.Background(), "alice", conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ends[0].Message.ID, history[1].ID)
}

func TestStreamUpstreamFailure(t *testing.T) {
	client := &llm.MockClient{Chunks: []string{"Hel", "lo wor", "ld"}, Err: errors.New("connection reset")}
	env := newTestEnv(t, client, nil)
	conv, err := env.svc.CreateConversation(context.Background(), "alice", "cv1")
	require.NoError(t, err)

	c1, _ := env.login(t, "alice")
	c2, _ := env.login(t, "alice")

	c1.send(sendStream(conv.ID, "hello"))
	expect[*protocol.UserMessageReceivedMessage](c1)
	expect[*protocol.StreamUserMessage](c2)

	for _, c := range []*testClient{c1, c2} {
		for i := 0; i < 3; i++ {
			expect[*protocol.StreamAIMessage](c)
		}
	}

	failure := expect[*protocol.ErrorMessage](c1)
	assert.Equal(t, protocol.TypeMessageError, failure.Type)
	assert.Equal(t, domain.CodeUpstream, failure.Code)
	c1.silent()

	end := expect[*protocol.StreamAIMessageEnd](c2)
	assert.True(t, end.Failed)
	assert.Nil(t, end.Message)

	history, err := env.svc.ListMessages(context.Background(), "alice", conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCommandsRequireAuthentication(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)
	c := env.dial(t, "")

	c.send(sendStream("cv1", "hello"))
	msg := expect[*protocol.ErrorMessage](c)
	assert.Equal(t, protocol.TypeMessageError, msg.Type)
	assert.Equal(t, domain.CodeUnauthenticated, msg.Code)

	c.send(map[string]string{"type": protocol.TypeGetConversations})
	msg = expect[*protocol.ErrorMessage](c)
	assert.Equal(t, protocol.TypeConversationError, msg.Type)
	assert.Equal(t, domain.CodeUnauthenticated, msg.Code)
}

func TestAuthenticateRejectsBadTokenAndRebinding(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)

	c := env.dial(t, "")
	c.send(map[string]string{"type": protocol.TypeAuthenticate, "token": "garbage"})
	assert.False(t, expect[*protocol.AuthenticatedMessage](c).Success)

	alice, _ := env.login(t, "alice")
	bobToken, err := env.gate.Issue("bob")
	require.NoError(t, err)
	alice.send(map[string]string{"type": protocol.TypeAuthenticate, "token": bobToken})
	res := expect[*protocol.AuthenticatedMessage](alice)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestHandshakeToken(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)
	token, err := env.gate.Issue("alice")
	require.NoError(t, err)

	c := env.dial(t, "?token="+token)
	ack := expect[*protocol.AuthenticatedMessage](c)
	assert.True(t, ack.Success)
	assert.Equal(t, "alice", ack.UserID)
}

func TestHandshakeTokenBindsBeforeFirstCommand(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)
	token, err := env.gate.Issue("alice")
	require.NoError(t, err)

	c := env.dial(t, "?token="+token)
	c.send(map[string]string{"type": protocol.TypeGetConversations})

	assert.True(t, expect[*protocol.AuthenticatedMessage](c).Success)
	expect[*protocol.ConversationsMessage](c)
}

func TestStreamKeepsMultiByteCharactersIntact(t *testing.T) {
	text := "这是一个模拟的AI响应。"
	var chunks []string
	for i := 0; i < len(text); i += 10 {
		chunks = append(chunks, text[i:min(i+10, len(text))])
	}
	env := newTestEnv(t, &llm.MockClient{Chunks: chunks}, nil)
	conv, err := env.svc.CreateConversation(context.Background(), "alice", "cv1")
	require.NoError(t, err)

	c1, _ := env.login(t, "alice")
	c1.send(sendStream(conv.ID, "hello"))
	expect[*protocol.UserMessageReceivedMessage](c1)

	var content strings.Builder
read:
	for {
		switch m := c1.read().(type) {
		case *protocol.StreamAIMessage:
			content.WriteString(m.Content)
		case *protocol.StreamAIMessageEnd:
			require.NotNil(t, m.Message)
			assert.Equal(t, text, m.Message.Content)
			break read
		default:
			t.Fatalf("unexpected message %T", m)
		}
	}
	assert.Equal(t, text, content.String())
}

func TestForeignConversationIsForbidden(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)
	conv, err := env.svc.CreateConversation(context.Background(), "alice", "private")
	require.NoError(t, err)

	bob, _ := env.login(t, "bob")
	bob.send(map[string]string{"type": protocol.TypeGetConversationMessages, "conversationId": conv.ID})
	msg := expect[*protocol.ErrorMessage](bob)
	assert.Equal(t, protocol.TypeConversationError, msg.Type)
	assert.Equal(t, domain.CodeForbidden, msg.Code)

	bob.send(sendStream(conv.ID, "let me in"))
	msg = expect[*protocol.ErrorMessage](bob)
	assert.Equal(t, domain.CodeForbidden, msg.Code)
}

func TestNonStreamingSendSyncsOtherDevices(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{Chunks: []string{"fine, ", "thanks"}}, nil)
	conv, err := env.svc.CreateConversation(context.Background(), "alice", "cv1")
	require.NoError(t, err)

	c1, _ := env.login(t, "alice")
	c2, _ := env.login(t, "alice")

	c1.send(map[string]string{"type": protocol.TypeSendMessage, "conversationId": conv.ID, "content": "how are you"})

	ack := expect[*protocol.UserMessageReceivedMessage](c1)
	assert.Empty(t, ack.StreamID)
	reply := expect[*protocol.AIResponseMessage](c1)
	assert.Equal(t, "fine, thanks", reply.Message.Content)

	userSync := expect[*protocol.MessageSyncMessage](c2)
	assert.Equal(t, protocol.SyncKindUser, userSync.Kind)
	assert.Equal(t, ack.Message.ID, userSync.Message.ID)
	aiSync := expect[*protocol.MessageSyncMessage](c2)
	assert.Equal(t, protocol.SyncKindAssistant, aiSync.Kind)
	assert.Equal(t, reply.Message.ID, aiSync.Message.ID)
}

func TestConversationCommandsSync(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)
	c1, _ := env.login(t, "alice")
	c2, _ := env.login(t, "alice")

	c1.send(map[string]string{"type": protocol.TypeCreateConversation, "title": "Trip"})
	created := expect[*protocol.ConversationCreatedMessage](c1)
	assert.Equal(t, "Trip", created.Conversation.Title)
	sync := expect[*protocol.ConversationSyncMessage](c2)
	assert.Equal(t, protocol.ConversationActionCreated, sync.Action)
	assert.Equal(t, created.Conversation.ID, sync.Conversation.ID)

	c1.send(map[string]string{"type": protocol.TypeRenameConversation, "conversationId": created.Conversation.ID, "title": "Holiday"})
	for _, c := range []*testClient{c1, c2} {
		upd := expect[*protocol.ConversationSyncMessage](c)
		assert.Equal(t, protocol.ConversationActionUpdated, upd.Action)
		assert.Equal(t, "Holiday", upd.Conversation.Title)
	}

	c2.send(map[string]string{"type": protocol.TypeGetConversations})
	list := expect[*protocol.ConversationsMessage](c2)
	require.Len(t, list.Conversations, 1)

	c2.send(map[string]string{"type": protocol.TypeDeleteConversation, "conversationId": created.Conversation.ID})
	for _, c := range []*testClient{c1, c2} {
		del := expect[*protocol.ConversationSyncMessage](c)
		assert.Equal(t, protocol.ConversationActionDeleted, del.Action)
		assert.False(t, del.Conversation.IsActive)
	}

	c1.send(map[string]string{"type": protocol.TypeGetConversations})
	assert.Empty(t, expect[*protocol.ConversationsMessage](c1).Conversations)
}

func TestSendRateLimited(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{Chunks: []string{"ok"}}, ratelimit.New(0.001, 1))
	conv, err := env.svc.CreateConversation(context.Background(), "alice", "cv1")
	require.NoError(t, err)
	c, _ := env.login(t, "alice")

	c.send(map[string]string{"type": protocol.TypeSendMessage, "conversationId": conv.ID, "content": "one"})
	expect[*protocol.UserMessageReceivedMessage](c)
	expect[*protocol.AIResponseMessage](c)

	c.send(map[string]string{"type": protocol.TypeSendMessage, "conversationId": conv.ID, "content": "two"})
	msg := expect[*protocol.ErrorMessage](c)
	assert.Equal(t, domain.CodeRateLimited, msg.Code)
}

func TestUnknownMessageType(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)
	c := env.dial(t, "")
	c.send(map[string]string{"type": "teleport"})
	msg := expect[*protocol.ErrorMessage](c)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, domain.CodeValidation, msg.Code)
}

func TestDisconnectDetaches(t *testing.T) {
	env := newTestEnv(t, &llm.MockClient{}, nil)
	c, _ := env.login(t, "alice")
	require.Equal(t, 1, env.hub.IdentityCount())

	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool { return env.hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.hub.IdentityCount())
}
