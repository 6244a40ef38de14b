package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	mu        sync.Mutex // serializes socket writes
	stateMu   sync.RWMutex
	identity  string
	convID    string
	closeOnce sync.Once
	done      chan struct{}
}

// Identity returns the bound identity, empty until authenticated.
func (c *Connection) Identity() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.identity
}

// ConversationID returns the conversation the connection last worked in.
func (c *Connection) ConversationID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.convID
}

// SetConversationID records the conversation the connection is working in.
func (c *Connection) SetConversationID(id string) {
	c.stateMu.Lock()
	c.convID = id
	c.stateMu.Unlock()
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			err = c.Conn.Close()
		}
	})
	return err
}
