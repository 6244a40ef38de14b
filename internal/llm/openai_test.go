package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

func sseChunk(content string) string {
	return fmt.Sprintf("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", content)
}

func drain(t *testing.T, s Stream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var frags []string
	for {
		f, err := s.Recv()
		if err == io.EOF {
			return frags, nil
		}
		if err != nil {
			return frags, err
		}
		frags = append(frags, f)
	}
}

func TestOpenAIClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var req ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream || req.Model != "gpt" || len(req.Messages) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "key", "gpt", time.Second)
	reply, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply)
}

func TestOpenAIClientCompleteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "", "gpt", time.Second)
	_, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "bad")
}

func TestOpenAIClientCompleteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, sseChunk("Hel"))
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, sseChunk("lo, "))
		fmt.Fprint(w, sseChunk("world"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, sseChunk("ignored"))
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "", "gpt", time.Second)
	stream, err := client.CompleteStream(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.NoError(t, err)

	frags, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo, ", "world"}, frags)
}

func TestOpenAIClientCompleteStreamOpenError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "bad")
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "", "gpt", time.Second)
	_, err := client.CompleteStream(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestOpenAIClientCompleteStreamBrokenMidway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("partial"))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "", "gpt", time.Second)
	stream, err := client.CompleteStream(context.Background(), []ChatMessage{{Role: "user", Content: "hello"}})
	require.NoError(t, err)

	frags, err := drain(t, stream)
	assert.Equal(t, []string{"partial"}, frags)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestStreamCloseStopsProducer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("first"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewOpenAIClient(server.URL, "", "gpt", time.Second)
	stream, err := client.CompleteStream(context.Background(), nil)
	require.NoError(t, err)

	f, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", f)

	require.NoError(t, stream.Close())
	_, err = stream.Recv()
	assert.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
}
