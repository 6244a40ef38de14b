package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
	"github.com/caiyusheng650/SocketChatAI/internal/reducer"
)

// Client represents a WebSocket client.
type Client struct {
	conn   *websocket.Conn
	out    io.Writer
	userID string

	mu    sync.Mutex // guards state and socket writes
	state *reducer.State

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new client and connects to the server.
func NewClient(addr string, out io.Writer) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn:  conn,
		out:   out,
		state: reducer.New(""),
		done:  make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// UserID returns the authenticated user.
func (c *Client) UserID() string {
	return c.userID
}

// ConnectionID returns the server-assigned connection id.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ConnectionID
}

// Authenticate sends the token and waits for the answer.
func (c *Client) Authenticate(token string) error {
	if err := c.write(map[string]string{"type": protocol.TypeAuthenticate, "token": token}); err != nil {
		return fmt.Errorf("write authenticate: %w", err)
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read authenticated: %w", err)
	}
	v, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	ack, ok := v.(*protocol.AuthenticatedMessage)
	if !ok {
		return fmt.Errorf("expected %s, got: %T", protocol.TypeAuthenticated, v)
	}
	if !ack.Success {
		return fmt.Errorf("authenticate rejected: %s", ack.Error)
	}

	c.userID = ack.UserID
	c.mu.Lock()
	c.state.Apply(ack)
	c.mu.Unlock()
	return nil
}

// Open asks for the history of a conversation and makes it the displayed one.
func (c *Client) Open(conversationID string) error {
	return c.write(map[string]string{"type": protocol.TypeGetConversationMessages, "conversationId": conversationID})
}

// Send shows content optimistically and sends it to the open conversation.
func (c *Client) Send(content string, stream bool) error {
	c.mu.Lock()
	conversationID := c.state.ConversationID
	if conversationID == "" {
		c.mu.Unlock()
		return fmt.Errorf("no conversation open, use /new or /open first")
	}
	if stream && c.state.Streaming() {
		c.mu.Unlock()
		return fmt.Errorf("a reply is still streaming")
	}
	c.state.AddOptimistic(content)
	c.mu.Unlock()

	typ := protocol.TypeSendMessage
	if stream {
		typ = protocol.TypeSendStreamMessage
	}
	return c.write(map[string]string{"type": typ, "conversationId": conversationID, "content": content})
}

// Command runs one line of user input.
func (c *Client) Command(input string, stream bool) error {
	if !strings.HasPrefix(input, "/") {
		return c.Send(input, stream)
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	c.mu.Lock()
	current := c.state.ConversationID
	c.mu.Unlock()

	switch cmd {
	case "/new":
		return c.write(map[string]string{"type": protocol.TypeCreateConversation, "title": arg})
	case "/list":
		return c.write(map[string]string{"type": protocol.TypeGetConversations})
	case "/open":
		if arg == "" {
			return fmt.Errorf("usage: /open <conversation id>")
		}
		return c.Open(arg)
	case "/rename":
		return c.write(map[string]string{"type": protocol.TypeRenameConversation, "conversationId": current, "title": arg})
	case "/delete":
		return c.write(map[string]string{"type": protocol.TypeDeleteConversation, "conversationId": current})
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// ReadMessages applies server messages to the local state and prints them
// until the connection closes.
func (c *Client) ReadMessages() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				select {
				case <-c.done:
				default:
					log.Printf("Read error: %v", err)
				}
			}
			return
		}

		v, err := protocol.Decode(data)
		if err != nil {
			log.Printf("Decode error: %v", err)
			continue
		}
		c.handle(v)
	}
}

func (c *Client) handle(v interface{}) {
	c.mu.Lock()
	c.state.Apply(v)
	c.mu.Unlock()

	switch m := v.(type) {
	case *protocol.StreamAIMessage:
		if c.displayed(m.ConversationID) {
			fmt.Fprint(c.out, m.Content)
		}
	case *protocol.StreamAIMessageEnd:
		if !c.displayed(m.ConversationID) {
			return
		}
		if m.Failed {
			fmt.Fprintln(c.out, "\n[reply failed]")
		} else {
			fmt.Fprintln(c.out)
		}
	case *protocol.StreamUserMessage:
		if c.displayed(m.ConversationID) {
			fmt.Fprintf(c.out, "[other device] %s\nassistant: ", m.Content)
		}
	case *protocol.UserMessageReceivedMessage:
		if m.StreamID != "" {
			fmt.Fprint(c.out, "assistant: ")
		}
	case *protocol.AIResponseMessage:
		fmt.Fprintf(c.out, "assistant: %s\n", m.Message.Content)
	case *protocol.MessageSyncMessage:
		if c.displayed(m.ConversationID) {
			fmt.Fprintf(c.out, "[%s] %s\n", m.Message.Role, m.Message.Content)
		}
	case *protocol.ConversationCreatedMessage:
		fmt.Fprintf(c.out, "created %s %q\n", m.Conversation.ID, m.Conversation.Title)
		c.mu.Lock()
		c.state.Load(m.Conversation.ID, nil)
		c.mu.Unlock()
	case *protocol.ConversationsMessage:
		for _, conv := range m.Conversations {
			fmt.Fprintf(c.out, "  %s  %s\n", conv.ID, conv.Title)
		}
	case *protocol.ConversationMessagesMessage:
		fmt.Fprintf(c.out, "--- %s ---\n", m.ConversationID)
		for _, msg := range m.Messages {
			printMessage(c.out, msg)
		}
	case *protocol.ConversationSyncMessage:
		fmt.Fprintf(c.out, "[conversation %s] %s %q\n", m.Action, m.Conversation.ID, m.Conversation.Title)
	case *protocol.ErrorMessage:
		fmt.Fprintf(c.out, "[%s] %s: %s\n", m.Type, m.Code, m.Error)
	}
}

// Entries returns a copy of the displayed messages.
func (c *Client) Entries() []reducer.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]reducer.Entry(nil), c.state.Entries...)
}

func (c *Client) displayed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conversationID == c.state.ConversationID
}

func (c *Client) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func printMessage(w io.Writer, m domain.Message) {
	fmt.Fprintf(w, "%s: %s\n", m.Role, m.Content)
}
