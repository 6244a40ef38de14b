// Package reducer folds the server's sync events into the message list a
// client displays for one conversation.
package reducer

import (
	"fmt"
	"time"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
	"github.com/caiyusheng650/SocketChatAI/internal/protocol"
)

// Entry is one displayed message. Unsynced entries are local: an optimistic
// user message or an assistant reply still streaming.
type Entry struct {
	ID        string
	StreamID  string
	Role      domain.Role
	Content   string
	Timestamp time.Time
	Synced    bool

	lastSeq int
}

// State is the visible message list of one client session.
type State struct {
	ConnectionID   string
	ConversationID string
	Entries        []Entry

	localSeq int
}

// New creates an empty state for the connection connID.
func New(connID string) *State {
	return &State{ConnectionID: connID}
}

// Load replaces the entries with the persisted history of conversationID.
func (s *State) Load(conversationID string, history []domain.Message) {
	s.ConversationID = conversationID
	s.Entries = make([]Entry, 0, len(history))
	for _, m := range history {
		s.Entries = append(s.Entries, synced(m, ""))
	}
}

// AddOptimistic shows content as a pending user message and returns its
// local id. The entry is reconciled by the server's ack.
func (s *State) AddOptimistic(content string) string {
	s.localSeq++
	id := fmt.Sprintf("local-%d", s.localSeq)
	s.Entries = append(s.Entries, Entry{
		ID:        id,
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	return id
}

// Streaming reports whether an assistant reply is still in progress.
func (s *State) Streaming() bool {
	for _, e := range s.Entries {
		if e.StreamID != "" && e.Role == domain.RoleAssistant && !e.Synced {
			return true
		}
	}
	return false
}

// Apply folds one decoded server message into the state and reports whether
// the entries changed. Messages for other conversations are ignored.
func (s *State) Apply(msg interface{}) bool {
	switch m := msg.(type) {
	case *protocol.AuthenticatedMessage:
		if m.Success && m.ConnectionID != "" {
			s.ConnectionID = m.ConnectionID
		}
		return false
	case *protocol.ConversationMessagesMessage:
		s.Load(m.ConversationID, m.Messages)
		return true
	case *protocol.UserMessageReceivedMessage:
		return s.applyAck(m)
	case *protocol.AIResponseMessage:
		if !s.current(m.ConversationID) {
			return false
		}
		return s.appendRecord(m.Message)
	case *protocol.StreamUserMessage:
		return s.applyStreamStart(m)
	case *protocol.StreamAIMessage:
		return s.applyFragment(m)
	case *protocol.StreamAIMessageEnd:
		return s.applyEnd(m)
	case *protocol.MessageSyncMessage:
		if !s.current(m.ConversationID) {
			return false
		}
		return s.appendRecord(m.Message)
	case *protocol.ErrorMessage:
		if m.Type != protocol.TypeMessageError {
			return false
		}
		return s.applySendError(m)
	case *protocol.ConversationSyncMessage:
		if m.Action == protocol.ConversationActionDeleted && m.Conversation.ID == s.ConversationID {
			s.ConversationID = ""
			s.Entries = nil
			return true
		}
		return false
	}
	return false
}

func (s *State) current(conversationID string) bool {
	return conversationID != "" && conversationID == s.ConversationID
}

// applyAck swaps the oldest pending optimistic entry with the same content
// for the persisted record and, for streamed sends, opens the placeholder.
func (s *State) applyAck(m *protocol.UserMessageReceivedMessage) bool {
	if !s.current(m.ConversationID) {
		return false
	}

	changed := false
	if s.indexByID(m.Message.ID) < 0 {
		if i := s.pendingOptimistic(m.Message.Content); i >= 0 {
			s.Entries[i] = synced(m.Message, "")
		} else {
			s.Entries = append(s.Entries, synced(m.Message, ""))
		}
		changed = true
	}
	if m.StreamID != "" && s.openPlaceholder(m.StreamID) {
		changed = true
	}
	return changed
}

func (s *State) applyStreamStart(m *protocol.StreamUserMessage) bool {
	if !s.current(m.ConversationID) {
		return false
	}
	if s.placeholder(m.StreamID) >= 0 {
		return false
	}

	if m.OriginatorConnectionID != s.ConnectionID && s.indexByID(m.Message.ID) < 0 {
		msg := m.Message
		if msg.Content == "" {
			msg.Content = m.Content
		}
		s.Entries = append(s.Entries, synced(msg, ""))
	}
	s.openPlaceholder(m.StreamID)
	return true
}

func (s *State) applyFragment(m *protocol.StreamAIMessage) bool {
	if !s.current(m.ConversationID) || m.StreamID == "" {
		return false
	}

	i := s.placeholder(m.StreamID)
	if i < 0 {
		// Joined mid-stream: the start event was never seen.
		s.openPlaceholder(m.StreamID)
		i = len(s.Entries) - 1
	}
	e := &s.Entries[i]
	if e.Synced || (m.Seq > 0 && m.Seq <= e.lastSeq) {
		return false
	}
	e.Content += m.Content
	if m.Seq > 0 {
		e.lastSeq = m.Seq
	}
	return true
}

func (s *State) applyEnd(m *protocol.StreamAIMessageEnd) bool {
	if !s.current(m.ConversationID) {
		return false
	}

	i := s.placeholder(m.StreamID)
	if m.Failed || m.Message == nil {
		if i >= 0 && !s.Entries[i].Synced {
			s.remove(i)
			return true
		}
		return false
	}

	if j := s.indexByID(m.Message.ID); j >= 0 {
		// Already shown, e.g. a duplicate terminal event.
		if i >= 0 && i != j && !s.Entries[i].Synced {
			s.remove(i)
			return true
		}
		return false
	}

	if i >= 0 {
		s.Entries[i] = synced(*m.Message, m.StreamID)
		return true
	}
	s.Entries = append(s.Entries, synced(*m.Message, m.StreamID))
	return true
}

// applySendError undoes what a failed send left on screen. A stream failure
// drops the partial reply; a send rejected before the user message was
// stored drops the oldest pending optimistic entry.
func (s *State) applySendError(m *protocol.ErrorMessage) bool {
	if m.ConversationID != "" && !s.current(m.ConversationID) {
		return false
	}

	if m.StreamID != "" {
		if i := s.placeholder(m.StreamID); i >= 0 && !s.Entries[i].Synced {
			s.remove(i)
			return true
		}
		return false
	}

	// An upstream failure comes after the user message was stored and acked.
	if m.Code == domain.CodeUpstream {
		return false
	}
	if i := s.pendingOptimistic(""); i >= 0 {
		s.remove(i)
		return true
	}
	return false
}

// appendRecord adds a persisted message unless it is already shown.
func (s *State) appendRecord(m domain.Message) bool {
	if m.ID != "" && s.indexByID(m.ID) >= 0 {
		return false
	}
	s.Entries = append(s.Entries, synced(m, ""))
	return true
}

// openPlaceholder appends an empty assistant entry for streamID if none exists.
func (s *State) openPlaceholder(streamID string) bool {
	if s.placeholder(streamID) >= 0 {
		return false
	}
	s.Entries = append(s.Entries, Entry{
		StreamID:  streamID,
		Role:      domain.RoleAssistant,
		Timestamp: time.Now(),
	})
	return true
}

func (s *State) placeholder(streamID string) int {
	if streamID == "" {
		return -1
	}
	for i, e := range s.Entries {
		if e.StreamID == streamID && e.Role == domain.RoleAssistant {
			return i
		}
	}
	return -1
}

func (s *State) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range s.Entries {
		if e.Synced && e.ID == id {
			return i
		}
	}
	return -1
}

// pendingOptimistic returns the oldest unsynced user entry with content, or
// with any content when content is empty.
func (s *State) pendingOptimistic(content string) int {
	for i, e := range s.Entries {
		if !e.Synced && e.Role == domain.RoleUser && (content == "" || e.Content == content) {
			return i
		}
	}
	return -1
}

func (s *State) remove(i int) {
	s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
}

func synced(m domain.Message, streamID string) Entry {
	return Entry{
		ID:        m.ID,
		StreamID:  streamID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Synced:    true,
	}
}
