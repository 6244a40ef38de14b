// Package hub tracks live WebSocket connections and fans events out to every
// device of an identity.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/metrics"
)

// DefaultSendBuffer is the per-connection outbound queue length.
const DefaultSendBuffer = 256

// relayBuffer is the number of broadcasts waiting to be published to other
// nodes before new ones are dropped.
const relayBuffer = 1024

// Typed is implemented by outbound messages that expose their wire type.
type Typed interface {
	EventType() string
}

// delivery is one queued fan-out. Exactly one of connID or identity is set.
type delivery struct {
	connID   string
	identity string
	except   string
	kind     string
	data     []byte
	remote   bool
}

// Hub manages all WebSocket connections.
type Hub struct {
	registry *Registry

	// Connections indexed by connection ID
	connections map[string]*Connection
	mu          sync.RWMutex

	deliveries chan delivery
	sendBuffer int
	relay      Relay
	outbox     chan Envelope
	logger     zerolog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithSendBuffer sets the per-connection outbound queue length.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithRelay publishes identity broadcasts to other server nodes.
func WithRelay(r Relay) Option {
	return func(h *Hub) { h.relay = r }
}

// NewHub creates a new Hub.
func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		registry:    NewRegistry(),
		connections: make(map[string]*Connection),
		deliveries:  make(chan delivery, 1024),
		outbox:      make(chan Envelope, relayBuffer),
		sendBuffer:  DefaultSendBuffer,
		logger:      logger.With().Str("component", "hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry exposes the identity to connection index.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run drains the delivery queue until ctx is done. All outbound traffic goes
// through this loop, so events are delivered in the order they were queued.
func (h *Hub) Run(ctx context.Context) {
	if h.relay != nil {
		go func() {
			err := h.relay.Subscribe(ctx, func(env Envelope) {
				h.enqueue(delivery{identity: env.Identity, except: env.Except, kind: env.Kind, data: env.Data, remote: true})
			})
			if err != nil && ctx.Err() == nil {
				h.logger.Error().Err(err).Msg("relay subscription ended")
			}
		}()
		go h.publishLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-h.deliveries:
			h.deliver(d)
		}
	}
}

// publishLoop forwards queued broadcasts to the relay. It runs apart from
// the delivery loop so a slow relay never holds up local sends.
func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.outbox:
			if err := h.relay.Publish(ctx, env); err != nil {
				h.logger.Warn().Err(err).Str("identity", env.Identity).Msg("relay publish failed")
				continue
			}
			metrics.RelayPublished.Inc()
		}
	}
}

func (h *Hub) deliver(d delivery) {
	if d.identity != "" && !d.remote && h.relay != nil {
		env := Envelope{Identity: d.identity, Except: d.except, Kind: d.kind, Data: d.data}
		select {
		case h.outbox <- env:
		default:
			metrics.EventsDropped.WithLabelValues("relay_full").Inc()
			h.logger.Warn().Str("identity", d.identity).Str("type", d.kind).Msg("relay queue full, broadcast not forwarded")
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if d.connID != "" {
		if conn, ok := h.connections[d.connID]; ok {
			h.offer(conn, d)
		} else {
			metrics.EventsDropped.WithLabelValues("closed").Inc()
			h.logger.Debug().Str("conn_id", d.connID).Str("type", d.kind).Msg("direct send to closed connection skipped")
		}
		return
	}

	for _, connID := range h.registry.ConnectionsFor(d.identity) {
		if connID == d.except {
			continue
		}
		conn, ok := h.connections[connID]
		if !ok {
			continue
		}
		h.offer(conn, d)
	}
}

// offer queues data on conn without blocking. Caller holds h.mu.RLock.
func (h *Hub) offer(conn *Connection, d delivery) {
	select {
	case conn.Send <- d.data:
		metrics.EventsDelivered.WithLabelValues(d.kind).Inc()
	default:
		// Buffer full, close the connection
		metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
		h.logger.Warn().Str("conn_id", conn.ID).Str("type", d.kind).Msg("connection buffer full, closing")
		go h.Detach(conn)
	}
}

// NewConnection creates a connection for ws and attaches it to the hub.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	conn := &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.Attach(conn)
	return conn
}

// Attach registers an unauthenticated connection.
func (h *Hub) Attach(conn *Connection) {
	if conn.done == nil {
		conn.done = make(chan struct{})
	}
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	metrics.ActiveConnections.Inc()
	h.logger.Debug().Str("conn_id", conn.ID).Msg("connection attached")
}

// Detach removes conn, unregisters it from its identity and closes its
// outbound queue and socket. Detaching twice is a no-op.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	if _, ok := h.connections[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)
	identity := conn.Identity()
	if identity != "" {
		h.registry.Unregister(identity, conn.ID)
	}
	close(conn.Send)
	h.mu.Unlock()

	_ = conn.Close()
	metrics.ActiveConnections.Dec()
	metrics.AuthenticatedIdentities.Set(float64(h.registry.IdentityCount()))
	h.logger.Debug().Str("conn_id", conn.ID).Str("identity", identity).Msg("connection detached")
}

// Bind associates conn with identity. A connection binds once; binding it
// again to the same identity succeeds, to another fails with
// domain.ErrAlreadyAuthenticated.
func (h *Hub) Bind(conn *Connection, identity string) error {
	if identity == "" {
		return domain.ErrInvalidToken
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return domain.ErrUnauthenticated
	}

	conn.stateMu.Lock()
	current := conn.identity
	if current == "" {
		conn.identity = identity
	}
	conn.stateMu.Unlock()

	switch current {
	case "":
		h.registry.Register(identity, conn.ID)
		metrics.AuthenticatedIdentities.Set(float64(h.registry.IdentityCount()))
		h.logger.Info().Str("conn_id", conn.ID).Str("identity", identity).Msg("connection authenticated")
		return nil
	case identity:
		return nil
	default:
		return domain.ErrAlreadyAuthenticated
	}
}

// Lookup returns the attached connection with the given ID.
func (h *Hub) Lookup(connID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[connID]
	return conn, ok
}

// Broadcast sends v to every connection of identity.
func (h *Hub) Broadcast(identity string, v interface{}) {
	h.BroadcastExcept(identity, "", v)
}

// BroadcastExcept sends v to every connection of identity except
// exceptConnID.
func (h *Hub) BroadcastExcept(identity, exceptConnID string, v interface{}) {
	if identity == "" {
		return
	}
	data, kind, ok := h.encode(v)
	if !ok {
		return
	}
	h.enqueue(delivery{identity: identity, except: exceptConnID, kind: kind, data: data})
}

// SendTo sends v to a single connection.
func (h *Hub) SendTo(connID string, v interface{}) {
	data, kind, ok := h.encode(v)
	if !ok {
		return
	}
	h.enqueue(delivery{connID: connID, kind: kind, data: data})
}

func (h *Hub) enqueue(d delivery) {
	h.deliveries <- d
}

func (h *Hub) encode(v interface{}) ([]byte, string, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode outbound message")
		return nil, "", false
	}
	kind := "unknown"
	if t, ok := v.(Typed); ok {
		kind = t.EventType()
	}
	return data, kind, true
}

// ConnectionCount returns the number of attached connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// IdentityCount returns the number of identities with a live connection.
func (h *Hub) IdentityCount() int {
	return h.registry.IdentityCount()
}

// HasConnections reports whether identity has at least one live connection
// on this node.
func (h *Hub) HasConnections(identity string) bool {
	return len(h.registry.ConnectionsFor(identity)) > 0
}
