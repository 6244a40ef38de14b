// Package llm provides the AI completion clients used to answer chat messages.
package llm

import (
	"context"
	"io"
)

// Client produces assistant replies for a prompt.
type Client interface {
	// Complete returns the whole reply in one piece.
	Complete(ctx context.Context, messages []ChatMessage) (string, error)

	// CompleteStream opens a streamed reply. An error here means the stream
	// could not be opened; errors during the stream surface from Recv.
	CompleteStream(ctx context.Context, messages []ChatMessage) (Stream, error)
}

// Stream yields reply fragments in upstream order.
//
// Recv returns io.EOF once the reply is complete; any other error is an
// upstream failure and ends the stream. Fragment boundaries are arbitrary
// and may split words or multi-byte characters.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// chanStream adapts a producer goroutine to the Stream interface.
type chanStream struct {
	frags  chan string
	err    error
	cancel context.CancelFunc
}

// newChanStream runs produce in a goroutine. produce sends fragments with
// the supplied emit function and returns nil on a clean end of stream.
// cancel must cancel ctx; Close calls it.
func newChanStream(ctx context.Context, cancel context.CancelFunc, produce func(ctx context.Context, emit func(string) error) error) *chanStream {
	s := &chanStream{
		frags:  make(chan string),
		cancel: cancel,
	}
	go func() {
		defer close(s.frags)
		s.err = produce(ctx, func(fragment string) error {
			select {
			case s.frags <- fragment:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return s
}

// Recv returns the next fragment.
func (s *chanStream) Recv() (string, error) {
	fragment, ok := <-s.frags
	if ok {
		return fragment, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

// Close stops the producer.
func (s *chanStream) Close() error {
	s.cancel()
	return nil
}
