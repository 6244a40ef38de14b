package stream

import "github.com/caiyusheng650/SocketChatAI/internal/domain"

// Ref identifies the stream an event belongs to.
type Ref struct {
	StreamID               string
	Identity               string
	ConversationID         string
	OriginatorConnectionID string
}

// Event is emitted by a session in stream order. The concrete types are
// UserMessageSaved, Fragment, Completed and Failed.
type Event interface {
	StreamRef() Ref
	isEvent()
}

// UserMessageSaved is the first event of every stream.
type UserMessageSaved struct {
	Ref
	Message domain.Message
}

// Fragment carries one upstream fragment. Seq starts at 1.
type Fragment struct {
	Ref
	Content string
	Seq     int
}

// Completed ends a successful stream. Message is nil when the reply was empty.
type Completed struct {
	Ref
	Message *domain.Message
}

// Failed ends a stream whose reply was discarded.
type Failed struct {
	Ref
	Err error
}

func (r Ref) StreamRef() Ref { return r }

func (UserMessageSaved) isEvent() {}
func (Fragment) isEvent()         {}
func (Completed) isEvent()        {}
func (Failed) isEvent()           {}
