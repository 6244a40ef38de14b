package ws

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/hub"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
	"github.com/caiyusheng650/SocketChatAI/internal/stream"
)

// Dispatcher turns stream events into socket messages.
type Dispatcher struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher delivering through h.
func NewDispatcher(h *hub.Hub, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		hub:    h,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run forwards events until ctx is done or events is closed. Events are
// handed to the hub in arrival order, so each stream keeps its order on
// every connection.
func (d *Dispatcher) Run(ctx context.Context, events <-chan stream.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Handle(ev)
		}
	}
}

// Handle delivers a single event.
func (d *Dispatcher) Handle(ev stream.Event) {
	ref := ev.StreamRef()
	wire := protocol.StreamRef{
		ConversationID:         ref.ConversationID,
		OriginatorConnectionID: ref.OriginatorConnectionID,
		StreamID:               ref.StreamID,
	}

	switch e := ev.(type) {
	case stream.UserMessageSaved:
		d.hub.SendTo(ref.OriginatorConnectionID, protocol.UserMessageReceivedMessage{
			BaseMessage:    protocol.NewBase(protocol.TypeUserMessageReceived),
			Message:        e.Message,
			ConversationID: ref.ConversationID,
			StreamID:       ref.StreamID,
		})
		d.hub.BroadcastExcept(ref.Identity, ref.OriginatorConnectionID, protocol.StreamUserMessage{
			BaseMessage: protocol.NewBase(protocol.TypeStreamUserMessage),
			StreamRef:   wire,
			Content:     e.Message.Content,
			Message:     e.Message,
		})

	case stream.Fragment:
		d.hub.Broadcast(ref.Identity, protocol.StreamAIMessage{
			BaseMessage: protocol.NewBase(protocol.TypeStreamAIMessage),
			StreamRef:   wire,
			Content:     e.Content,
			Seq:         e.Seq,
		})

	case stream.Completed:
		d.hub.Broadcast(ref.Identity, protocol.StreamAIMessageEnd{
			BaseMessage: protocol.NewBase(protocol.TypeStreamAIMessageEnd),
			StreamRef:   wire,
			Message:     e.Message,
		})

	case stream.Failed:
		errMsg := protocol.NewError(protocol.TypeMessageError, e.Err)
		errMsg.ConversationID = ref.ConversationID
		errMsg.StreamID = ref.StreamID
		d.hub.SendTo(ref.OriginatorConnectionID, errMsg)
		d.hub.BroadcastExcept(ref.Identity, ref.OriginatorConnectionID, protocol.StreamAIMessageEnd{
			BaseMessage: protocol.NewBase(protocol.TypeStreamAIMessageEnd),
			StreamRef:   wire,
			Failed:      true,
		})

	default:
		d.logger.Warn().Str("stream_id", ref.StreamID).Msgf("unhandled stream event %T", ev)
	}
}
