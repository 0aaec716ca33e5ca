// Package conversation folds the server event stream into the client-side view:
// per-peer message lists, unread counts, online users and typing flags.
package conversation

import (
	"errors"
	"fmt"
	"sort"

	"securechat/internal/attachment"
	"securechat/internal/protocol"
)

// ErrInvalidMessage indicates a chat message without an id.
var ErrInvalidMessage = errors.New("conversation: message id is required")

// Opener decrypts attachments, keeping the ciphertext when that fails.
// *attachment.Codec implements it.
type Opener interface {
	Open(att protocol.Attachment, conv attachment.Conversation) protocol.Attachment
}

type messageRef struct {
	peer protocol.ConnectionID
	pos  int
}

type typingKey struct {
	from protocol.ConnectionID
	to   protocol.ConnectionID
}

// Store is the client projection of one connection. It is not safe for
// concurrent use; the client session applies events from a single goroutine.
type Store struct {
	self     protocol.ConnectionID
	selected protocol.ConnectionID
	opener   Opener

	chats  map[protocol.ConnectionID][]protocol.Message
	byID   map[string][]messageRef
	online []protocol.UserProfile
	typing map[typingKey]bool
}

// NewStore returns an empty projection for the connection self. opener may be
// nil, in which case encrypted attachments are kept as received.
func NewStore(self protocol.ConnectionID, opener Opener) *Store {
	s := &Store{opener: opener}
	s.Reset(self)
	return s
}

// Reset drops all state, as after a reconnect under a new connection id.
func (s *Store) Reset(self protocol.ConnectionID) {
	s.self = self
	s.selected = ""
	s.chats = make(map[protocol.ConnectionID][]protocol.Message)
	s.byID = make(map[string][]messageRef)
	s.online = nil
	s.typing = make(map[typingKey]bool)
}

// Apply folds one server event and returns the events the client must send in response.
func (s *Store) Apply(env protocol.Envelope) ([]protocol.Envelope, error) {
	switch env.Event {
	case protocol.EventChatMessage:
		var msg protocol.Message
		if err := env.Bind(&msg); err != nil {
			return nil, err
		}
		return s.foldMessage(msg)
	case protocol.EventMessageRead:
		var receipt protocol.ReadReceipt
		if err := env.Bind(&receipt); err != nil {
			return nil, err
		}
		s.markRead(receipt.MessageID)
	case protocol.EventUsersList:
		var users []protocol.UserProfile
		if err := env.Bind(&users); err != nil {
			return nil, err
		}
		s.foldUsers(users)
	case protocol.EventUserConnected:
		var user protocol.UserProfile
		if err := env.Bind(&user); err != nil {
			return nil, err
		}
		s.foldJoin(user)
	case protocol.EventUserDisconnected:
		var user protocol.UserProfile
		if err := env.Bind(&user); err != nil {
			return nil, err
		}
		s.foldLeave(user)
	case protocol.EventTyping:
		var state protocol.TypingState
		if err := env.Bind(&state); err != nil {
			return nil, err
		}
		s.foldTyping(state)
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownEvent, env.Event)
	}
	return nil, nil
}

// peerOf returns the other party of a message, or false when self is neither side.
func (s *Store) peerOf(msg protocol.Message) (protocol.ConnectionID, bool) {
	switch {
	case msg.Sender == s.self:
		return msg.Receiver, true
	case msg.Receiver == s.self:
		return msg.Sender, true
	default:
		return "", false
	}
}

func (s *Store) foldMessage(msg protocol.Message) ([]protocol.Envelope, error) {
	if msg.ID == "" {
		return nil, ErrInvalidMessage
	}
	peer, ok := s.peerOf(msg)
	if !ok {
		return nil, nil
	}
	if s.holds(peer, msg.ID) {
		return nil, nil
	}

	if msg.Attachment != nil && msg.Attachment.Encrypted && s.opener != nil {
		opened := s.opener.Open(*msg.Attachment, attachment.ConversationOf(msg))
		msg.Attachment = &opened
	}

	s.byID[msg.ID] = append(s.byID[msg.ID], messageRef{peer: peer, pos: len(s.chats[peer])})
	s.chats[peer] = append(s.chats[peer], msg)

	if msg.Sender != s.self && peer == s.selected && !msg.Read {
		receipt, err := s.receipt(msg.ID)
		if err != nil {
			return nil, err
		}
		return []protocol.Envelope{receipt}, nil
	}
	return nil, nil
}

func (s *Store) holds(peer protocol.ConnectionID, id string) bool {
	for _, ref := range s.byID[id] {
		if ref.peer == peer {
			return true
		}
	}
	return false
}

func (s *Store) receipt(id string) (protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.EventMessageRead, protocol.ReadReceipt{MessageID: id, Reader: s.self})
}

// markRead flips every held copy of the message. Read never reverts.
func (s *Store) markRead(id string) {
	for _, ref := range s.byID[id] {
		s.chats[ref.peer][ref.pos].Read = true
	}
}

func (s *Store) seed(peer protocol.ConnectionID) {
	if _, ok := s.chats[peer]; !ok {
		s.chats[peer] = []protocol.Message{}
	}
}

func (s *Store) foldUsers(users []protocol.UserProfile) {
	online := make([]protocol.UserProfile, 0, len(users))
	for _, user := range users {
		if user.SocketID == s.self {
			continue
		}
		online = append(online, user)
		s.seed(user.SocketID)
	}
	s.online = online

	if s.selected == "" && len(online) > 0 {
		s.selected = online[0].SocketID
	}
}

func (s *Store) foldJoin(user protocol.UserProfile) {
	if user.SocketID == s.self {
		return
	}
	s.seed(user.SocketID)
	for _, existing := range s.online {
		if existing.SocketID == user.SocketID {
			return
		}
	}
	s.online = append(s.online, user)
}

func (s *Store) foldLeave(user protocol.UserProfile) {
	remaining := s.online[:0]
	for _, existing := range s.online {
		if existing.SocketID != user.SocketID {
			remaining = append(remaining, existing)
		}
	}
	s.online = remaining

	if s.selected == user.SocketID {
		s.selected = ""
		if len(s.online) > 0 {
			s.selected = s.online[0].SocketID
		}
	}
}

func (s *Store) foldTyping(state protocol.TypingState) {
	if state.User == nil || state.User.SocketID == s.self {
		return
	}
	s.typing[typingKey{from: state.User.SocketID, to: state.Receiver}] = state.IsTyping
}

// Select makes peer the open conversation and returns read receipts for
// everything it sent that is still unread.
func (s *Store) Select(peer protocol.ConnectionID) ([]protocol.Envelope, error) {
	s.selected = peer

	var out []protocol.Envelope
	for _, msg := range s.chats[peer] {
		if msg.Sender != peer || msg.Read {
			continue
		}
		receipt, err := s.receipt(msg.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, receipt)
	}
	return out, nil
}

func (s *Store) Self() protocol.ConnectionID     { return s.self }
func (s *Store) Selected() protocol.ConnectionID { return s.selected }

// Messages returns a copy of the conversation with peer in arrival order.
func (s *Store) Messages(peer protocol.ConnectionID) []protocol.Message {
	return append([]protocol.Message(nil), s.chats[peer]...)
}

// HasConversation reports whether peer has been seen, even with no messages yet.
func (s *Store) HasConversation(peer protocol.ConnectionID) bool {
	_, ok := s.chats[peer]
	return ok
}

// Peers lists every known conversation key, sorted.
func (s *Store) Peers() []protocol.ConnectionID {
	out := make([]protocol.ConnectionID, 0, len(s.chats))
	for peer := range s.chats {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

func (s *Store) UnreadCount(peer protocol.ConnectionID) int {
	n := 0
	for _, msg := range s.chats[peer] {
		if msg.Sender == peer && !msg.Read {
			n++
		}
	}
	return n
}

// Online returns the online users other than self.
func (s *Store) Online() []protocol.UserProfile {
	return append([]protocol.UserProfile(nil), s.online...)
}

// Lookup finds an online user by connection id.
func (s *Store) Lookup(peer protocol.ConnectionID) (protocol.UserProfile, bool) {
	for _, user := range s.online {
		if user.SocketID == peer {
			return user, true
		}
	}
	return protocol.UserProfile{}, false
}

// IsTyping reports the last typing state peer sent towards self.
func (s *Store) IsTyping(peer protocol.ConnectionID) bool {
	return s.typing[typingKey{from: peer, to: s.self}]
}
