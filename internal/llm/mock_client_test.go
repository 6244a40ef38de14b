package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

func TestMockClientSplitsIntoTenByteChunks(t *testing.T) {
	text := "The quick brown fox jumps over the lazy dog"
	m := NewMockClient(text, 0)

	stream, err := m.CompleteStream(context.Background(), nil)
	require.NoError(t, err)
	frags, err := drain(t, stream)
	require.NoError(t, err)

	assert.Len(t, frags, 5)
	for _, f := range frags[:4] {
		assert.Len(t, f, DefaultMockChunkSize)
	}
	assert.Equal(t, text, strings.Join(frags, ""))

	reply, err := m.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, text, reply)
}

func TestMockClientSplitsByCharacter(t *testing.T) {
	text := "这是一个模拟的AI响应。请稍候再试一次吧"
	frags, err := drain(t, mustStream(t, NewMockClient(text, 0)))
	require.NoError(t, err)

	require.Len(t, frags, 2)
	for _, f := range frags {
		assert.True(t, utf8.ValidString(f), "fragment %q splits a character", f)
	}
	assert.Equal(t, 10, utf8.RuneCountInString(frags[0]))
	assert.Equal(t, text, strings.Join(frags, ""))
}

func mustStream(t *testing.T, m *MockClient) Stream {
	t.Helper()
	stream, err := m.CompleteStream(context.Background(), nil)
	require.NoError(t, err)
	return stream
}

func TestMockClientScriptedFailure(t *testing.T) {
	boom := errors.New("boom")
	m := &MockClient{Chunks: []string{"a", "b", "c"}, Err: boom}

	stream, err := m.CompleteStream(context.Background(), nil)
	require.NoError(t, err)
	frags, err := drain(t, stream)
	assert.Equal(t, []string{"a", "b", "c"}, frags)
	assert.ErrorIs(t, err, boom)
}

func TestMockClientEmptyText(t *testing.T) {
	stream, err := NewMockClient("", 0).CompleteStream(context.Background(), nil)
	require.NoError(t, err)
	frags, err := drain(t, stream)
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestBuildPromptSkipsSystemMessages(t *testing.T) {
	history := []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleSystem, Content: "maintenance at noon"},
		{Role: domain.RoleAssistant, Content: "hello"},
	}

	prompt := BuildPrompt(history, "how are you")

	assert.Equal(t, []ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "how are you"},
	}, prompt)
}
