package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// Ensure OpenAIClient implements Client interface.
var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a new client. timeout bounds single-shot requests
// and the wait for response headers; streamed bodies are bounded by the
// caller's context.
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &OpenAIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
	}
}

// Complete sends a non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, messages []ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.CreateChatCompletion(ctx, &ChatCompletionRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream opens a streaming chat completion request.
func (c *OpenAIClient) CompleteStream(ctx context.Context, messages []ChatMessage) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	body, err := c.openStream(ctx, &ChatCompletionRequest{Model: c.model, Messages: messages})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	return newChanStream(ctx, cancel, func(ctx context.Context, emit func(string) error) error {
		defer body.Close()
		err := readStream(ctx, body, func(chunk *StreamChunk) error {
			if content := chunk.deltaContent(); content != "" {
				return emit(content)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
		}
		return nil
	}), nil
}

// CreateChatCompletion sends a chat completion request (non-streaming).
func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	req.Stream = false

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, respBody)
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, nil
}

// StreamCallback is called for each chunk in a streaming response.
type StreamCallback func(chunk *StreamChunk) error

// CreateChatCompletionStream sends a streaming chat completion request and
// invokes callback for every chunk until the stream ends.
func (c *OpenAIClient) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) error {
	body, err := c.openStream(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()
	return readStream(ctx, body, callback)
}

func (c *OpenAIClient) openStream(ctx context.Context, req *ChatCompletionRequest) (io.ReadCloser, error) {
	req.Stream = true

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, respBody)
	}
	return resp.Body, nil
}

func (c *OpenAIClient) post(ctx context.Context, req *ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// readStream parses an SSE body. It returns nil at [DONE] or a clean EOF.
func readStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	reader := bufio.NewReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read stream: %w", err)
		}
		eof := err == io.EOF

		line = strings.TrimSpace(line)
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return nil
			}

			var chunk StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err == nil {
				if err := callback(&chunk); err != nil {
					return err
				}
			}
			// Skip malformed chunks
		}

		if eof {
			return nil
		}
	}
}

func apiError(status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		return fmt.Errorf("LLM API error [%d]: %s (type: %s)", status, errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("LLM API error [%d]: %s", status, string(body))
}
