package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultMockChunkSize is the fragment length used when splitting mock text.
const DefaultMockChunkSize = 10

// MockClient replays canned fragments. It is used when MOCK_AI_RESPONSE is
// enabled and as a scripted upstream in tests.
type MockClient struct {
	// Chunks are emitted in order by CompleteStream.
	Chunks []string
	// Err, when set, is returned by Recv after all Chunks.
	Err error
	// OpenErr, when set, makes CompleteStream and Complete fail immediately.
	OpenErr error
	// Delay is slept before each chunk.
	Delay time.Duration
}

// Ensure MockClient implements Client interface.
var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock client replying with text split into
// fragments of DefaultMockChunkSize characters.
func NewMockClient(text string, delay time.Duration) *MockClient {
	return &MockClient{Chunks: splitIntoChunks(text, DefaultMockChunkSize), Delay: delay}
}

// Complete returns the concatenated chunks.
func (m *MockClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	if m.OpenErr != nil {
		return "", m.OpenErr
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(m.Delay):
	}
	if m.Err != nil {
		return "", m.Err
	}
	return strings.Join(m.Chunks, ""), nil
}

// CompleteStream simulates a streaming response.
func (m *MockClient) CompleteStream(ctx context.Context, messages []ChatMessage) (Stream, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	ctx, cancel := context.WithCancel(ctx)
	chunks := append([]string(nil), m.Chunks...)
	return newChanStream(ctx, cancel, func(ctx context.Context, emit func(string) error) error {
		for _, chunk := range chunks {
			if m.Delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(m.Delay):
				}
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
		return m.Err
	}), nil
}

// String describes the mock for startup logs.
func (m *MockClient) String() string {
	return fmt.Sprintf("mock(%d chunks, delay %s)", len(m.Chunks), m.Delay)
}

// splitIntoChunks splits a string into chunks of chunkSize runes.
func splitIntoChunks(s string, chunkSize int) []string {
	runes := []rune(s)
	var chunks []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
