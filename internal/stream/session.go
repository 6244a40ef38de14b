package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/metrics"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingPersistUser
	StateStreaming
	StateFinalizing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPersistUser:
		return "awaiting_persist_user"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrInvalidState is returned when an operation does not fit the session state.
var ErrInvalidState = errors.New("invalid stream state")

// persistTimeout bounds the assistant message write, which runs on its own
// deadline so a stream that ends right at its timeout still gets stored.
const persistTimeout = 10 * time.Second

// Handler receives the upstream side of a stream.
type Handler interface {
	// Append adds one fragment to the reply and relays it.
	Append(ctx context.Context, fragment string) error
	// Finalize persists the accumulated reply and ends the stream.
	Finalize(ctx context.Context) error
	// Fail discards the accumulated reply and ends the stream.
	Fail(ctx context.Context, cause error)
}

// Session is one user message and the assistant reply streamed for it.
type Session struct {
	Ref

	backend Backend
	emitter *emitter
	logger  zerolog.Logger
	started time.Time

	mu    sync.Mutex
	state State
	acc   strings.Builder
	tail  []byte // incomplete UTF-8 sequence held back from the last fragment
	seq   int
	reply *domain.Message
}

// Ensure Session implements Handler interface.
var _ Handler = (*Session)(nil)

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reply returns the persisted assistant message once the session succeeded
// with a non-empty reply.
func (s *Session) Reply() *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reply
}

// persistUser stores the user message and opens the stream.
func (s *Session) persistUser(ctx context.Context, content string) (*domain.Message, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrInvalidState
	}
	s.state = StateAwaitingPersistUser
	s.mu.Unlock()

	msg := &domain.Message{
		UserID:         s.Identity,
		ConversationID: s.ConversationID,
		Content:        content,
		Role:           domain.RoleUser,
	}
	if err := s.backend.SaveMessage(ctx, msg); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		metrics.StreamsTotal.WithLabelValues("rejected").Inc()
		return nil, persistenceErr(err)
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.started = time.Now()
	s.mu.Unlock()

	s.emitter.emit(UserMessageSaved{Ref: s.Ref, Message: *msg})
	return msg, nil
}

// Append adds one fragment to the reply and relays it. A multi-byte
// character split across fragments is relayed once it is complete.
func (s *Session) Append(ctx context.Context, fragment string) error {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.acc.WriteString(fragment)

	pending := append(s.tail, fragment...)
	cut := completePrefix(pending)
	s.tail = append([]byte(nil), pending[cut:]...)
	if cut == 0 {
		s.mu.Unlock()
		return nil
	}
	ev := s.nextFragment(string(pending[:cut]))
	s.mu.Unlock()

	metrics.StreamFragments.Inc()
	s.emitter.emit(ev)
	return nil
}

// nextFragment numbers content as the next fragment. Caller holds s.mu.
func (s *Session) nextFragment(content string) Fragment {
	s.seq++
	return Fragment{Ref: s.Ref, Content: content, Seq: s.seq}
}

// completePrefix returns the length of b without a trailing incomplete
// UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// Finalize persists the accumulated reply if non-empty and ends the stream.
// A persistence failure turns the session into a failed one.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = StateFinalizing
	content := s.acc.String()
	var flush *Fragment
	if len(s.tail) > 0 {
		// The upstream ended mid-character; relay what it sent.
		ev := s.nextFragment(string(s.tail))
		flush = &ev
		s.tail = nil
	}
	s.mu.Unlock()

	if flush != nil {
		metrics.StreamFragments.Inc()
		s.emitter.emit(*flush)
	}

	if content == "" {
		s.finish(StateSucceeded, nil, "empty")
		s.emitter.emit(Completed{Ref: s.Ref})
		return nil
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	msg := &domain.Message{
		UserID:         s.Identity,
		ConversationID: s.ConversationID,
		Content:        content,
		Role:           domain.RoleAssistant,
	}
	if err := s.backend.SaveMessage(persistCtx, msg); err != nil {
		err = persistenceErr(err)
		s.logger.Error().Err(err).Msg("failed to persist assistant reply")
		s.fail(err, "persistence_failure")
		return err
	}
	if err := s.backend.TouchConversation(persistCtx, s.ConversationID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to bump conversation")
	}

	s.finish(StateSucceeded, msg, "succeeded")
	s.emitter.emit(Completed{Ref: s.Ref, Message: msg})
	return nil
}

// Fail discards the accumulated reply and ends the stream. It is a no-op on
// a finished session.
func (s *Session) Fail(ctx context.Context, cause error) {
	s.fail(cause, "upstream_failure")
}

func (s *Session) fail(cause error, outcome string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.acc.Reset()
	s.tail = nil
	started := s.started
	s.mu.Unlock()

	metrics.StreamsTotal.WithLabelValues(outcome).Inc()
	metrics.StreamDuration.Observe(time.Since(started).Seconds())
	s.logger.Warn().Err(cause).Str("outcome", outcome).Msg("stream failed")
	s.emitter.emit(Failed{Ref: s.Ref, Err: cause})
}

func (s *Session) finish(state State, reply *domain.Message, outcome string) {
	s.mu.Lock()
	s.state = state
	s.reply = reply
	started := s.started
	s.mu.Unlock()

	metrics.StreamsTotal.WithLabelValues(outcome).Inc()
	metrics.StreamDuration.Observe(time.Since(started).Seconds())
	s.logger.Debug().Str("outcome", outcome).Msg("stream finished")
}

func persistenceErr(err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
}

// emitter hands events to the dispatcher until the coordinator shuts down.
type emitter struct {
	events chan<- Event
	stop   <-chan struct{}
}

func (e *emitter) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.stop:
	}
}
