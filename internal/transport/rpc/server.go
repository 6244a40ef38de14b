// Package rpc exposes internal JSON-RPC endpoints for other backend services.
package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
)

// SystemMessageCreator stores system messages.
type SystemMessageCreator interface {
	CreateSystemMessage(ctx context.Context, identity, conversationID, content string) (*domain.Message, error)
}

// Notifier fans messages out to the connections of an identity.
type Notifier interface {
	Broadcast(identity string, v interface{})
	HasConnections(identity string) bool
}

// Server exposes chat RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    zerolog.Logger
	done      chan struct{}
}

// NewServer creates a new chat RPC server.
func NewServer(messages SystemMessageCreator, notifier Notifier, logger zerolog.Logger) (*Server, error) {
	logger = logger.With().Str("component", "rpc").Logger()

	rpcServer := rpc.NewServer()
	handler := &Handler{messages: messages, notifier: notifier, logger: logger}
	if err := rpcServer.RegisterName("Chat", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn().Err(err).Msg("rpc accept error")
			continue
		}

		go s.ServeConn(conn)
	}
}

// ServeConn serves JSON-RPC on a single connection until it closes.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements chat RPC methods.
type Handler struct {
	messages SystemMessageCreator
	notifier Notifier
	logger   zerolog.Logger
}

// SystemMessageRequest asks to post a system message into a conversation.
type SystemMessageRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// SystemMessageResponse reports the stored message and whether any device
// of the user was online to receive it.
type SystemMessageResponse struct {
	OK        bool           `json:"ok"`
	Delivered bool           `json:"delivered"`
	Message   domain.Message `json:"message"`
}

// PostSystemMessage stores a system message and syncs it to every device of
// the conversation owner.
func (h *Handler) PostSystemMessage(req *SystemMessageRequest, resp *SystemMessageResponse) error {
	if req == nil {
		return errors.New("request is required")
	}
	if req.UserID == "" {
		return errors.New("userId is required")
	}

	msg, err := h.messages.CreateSystemMessage(context.Background(), req.UserID, req.ConversationID, req.Content)
	if err != nil {
		return err
	}

	delivered := h.notifier.HasConnections(req.UserID)
	h.notifier.Broadcast(req.UserID, protocol.MessageSyncMessage{
		BaseMessage:    protocol.NewBase(protocol.TypeMessageSync),
		Kind:           protocol.SyncKindSystem,
		Message:        *msg,
		ConversationID: msg.ConversationID,
	})

	h.logger.Info().
		Str("identity", req.UserID).
		Str("conversation_id", msg.ConversationID).
		Bool("delivered", delivered).
		Msg("system message posted")

	if resp != nil {
		resp.OK = true
		resp.Delivered = delivered
		resp.Message = *msg
	}
	return nil
}
