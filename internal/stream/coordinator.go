// Package stream drives a streamed AI reply from the persisted user message
// through upstream fragments to the persisted assistant message.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/llm"
	"github.com/caiyusheng650/SocketChatAI/internal/metrics"
	"github.com/caiyusheng650/SocketChatAI/internal/policy"
)

// DefaultTimeout bounds a stream when no timeout is configured.
const DefaultTimeout = 5 * time.Minute

// Backend is the conversation and message access a stream needs.
type Backend interface {
	AuthorizeConversation(ctx context.Context, identity, conversationID, action string) (*domain.Conversation, error)
	History(ctx context.Context, identity, conversationID string) ([]domain.Message, error)
	SaveMessage(ctx context.Context, msg *domain.Message) error
	TouchConversation(ctx context.Context, conversationID string) error
}

// Request asks for a streamed reply to content.
type Request struct {
	Identity               string
	ConversationID         string
	Content                string
	OriginatorConnectionID string
}

// Coordinator starts sessions and runs them to completion.
type Coordinator struct {
	backend Backend
	client  llm.Client
	guard   *Guard
	timeout time.Duration
	logger  zerolog.Logger

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator. Streams run for at most timeout.
func NewCoordinator(backend Backend, client llm.Client, timeout time.Duration, logger zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		backend: backend,
		client:  client,
		guard:   NewGuard(),
		timeout: timeout,
		logger:  logger.With().Str("component", "stream").Logger(),
		events:  make(chan Event, 256),
		stop:    make(chan struct{}),
	}
}

// Events returns the channel all sessions emit on. Events of one stream
// arrive in the order they happened.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Start validates and authorizes req, persists the user message and starts
// streaming the reply in the background. Errors returned here happen before
// or while persisting the user message and concern the originator only.
//
// The stream runs on a context detached from ctx, so the originator going
// away does not stop the reply from being stored.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Session, error) {
	if req.Identity == "" {
		return nil, domain.ErrUnauthenticated
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversationId is required", domain.ErrValidation)
	}

	if _, err := c.backend.AuthorizeConversation(ctx, req.Identity, req.ConversationID, policy.ActionWrite); err != nil {
		metrics.StreamsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	streamID := uuid.New().String()
	if !c.guard.Acquire(req.Identity, req.ConversationID, streamID) {
		metrics.StreamsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: a reply is already streaming in conversation %s", domain.ErrConflict, req.ConversationID)
	}

	history, err := c.backend.History(ctx, req.Identity, req.ConversationID)
	if err != nil {
		c.guard.Release(req.Identity, req.ConversationID, streamID)
		metrics.StreamsTotal.WithLabelValues("rejected").Inc()
		return nil, persistenceErr(err)
	}

	ref := Ref{
		StreamID:               streamID,
		Identity:               req.Identity,
		ConversationID:         req.ConversationID,
		OriginatorConnectionID: req.OriginatorConnectionID,
	}
	s := &Session{
		Ref:     ref,
		backend: c.backend,
		emitter: &emitter{events: c.events, stop: c.stop},
		logger: c.logger.With().
			Str("stream_id", streamID).
			Str("identity", req.Identity).
			Str("conversation_id", req.ConversationID).
			Logger(),
	}

	if _, err := s.persistUser(ctx, req.Content); err != nil {
		c.guard.Release(req.Identity, req.ConversationID, streamID)
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer c.guard.Release(req.Identity, req.ConversationID, streamID)
		c.run(runCtx, s, llm.BuildPrompt(history, req.Content))
	}()

	return s, nil
}

// run pumps the upstream stream into h until it ends.
func (c *Coordinator) run(ctx context.Context, h Handler, prompt []llm.ChatMessage) {
	upstream, err := c.client.CompleteStream(ctx, prompt)
	if err != nil {
		h.Fail(ctx, upstreamErr(err))
		return
	}
	defer upstream.Close()

	for {
		fragment, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			if err := h.Finalize(ctx); err != nil {
				// Finalize already reported the failure as an event.
				c.logger.Debug().Err(err).Msg("stream finalize failed")
			}
			return
		}
		if err != nil {
			h.Fail(ctx, upstreamErr(err))
			return
		}
		if fragment == "" {
			continue
		}
		if err := h.Append(ctx, fragment); err != nil {
			h.Fail(ctx, err)
			return
		}
	}
}

// Busy reports whether a reply is streaming for identity in conversationID.
func (c *Coordinator) Busy(identity, conversationID string) bool {
	_, ok := c.guard.Active(identity, conversationID)
	return ok
}

// Wait blocks until every started stream has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown waits for running streams until ctx is done, then stops event
// emission so blocked sessions can exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.stopOnce.Do(func() { close(c.stop) })
		return nil
	case <-ctx.Done():
		c.stopOnce.Do(func() { close(c.stop) })
		return ctx.Err()
	}
}

func upstreamErr(err error) error {
	if errors.Is(err, domain.ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
}
