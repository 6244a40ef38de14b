package llm

import (
	"time"

	"github.com/rs/zerolog"
)

// Options configures NewClient.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration

	Mock           bool
	MockText       string
	MockChunkDelay time.Duration
}

// NewClient returns a MockClient when opts.Mock is set and an OpenAIClient
// otherwise.
func NewClient(opts Options, logger zerolog.Logger) Client {
	if opts.Mock {
		logger.Info().Msg("MOCK_AI_RESPONSE enabled, using mock AI client")
		return NewMockClient(opts.MockText, opts.MockChunkDelay)
	}
	logger.Info().Str("base_url", opts.BaseURL).Str("model", opts.Model).Msg("using OpenAI-compatible AI client")
	return NewOpenAIClient(opts.BaseURL, opts.APIKey, opts.Model, opts.Timeout)
}
