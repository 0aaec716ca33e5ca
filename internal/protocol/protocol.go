// Package protocol defines the named events and payloads exchanged between
// chat clients and the server over a WebSocket connection.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Event names. The same names are used in both directions where the payload is shared.
const (
	EventAuthenticate     = "authenticate"
	EventUsersList        = "users_list"
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventChatMessage      = "chat message"
	EventTyping           = "typing"
	EventMessageRead      = "message_read"
)

var (
	// ErrMissingEvent indicates an envelope without an event name.
	ErrMissingEvent = errors.New("protocol: missing event name")
	// ErrUnknownEvent indicates an event name the receiver does not handle.
	ErrUnknownEvent = errors.New("protocol: unknown event")
)

// ConnectionID is the transport-assigned handle of one live connection.
type ConnectionID = string

// ConnectionIDHeader carries the assigned connection id on the WebSocket
// upgrade response, so a client knows which socketId is its own.
const ConnectionIDHeader = "X-Connection-Id"

// UserID is a durable user identifier. Credential stores hand out numbers,
// fallback profiles reuse the connection id, so both JSON forms are accepted.
type UserID string

// UnmarshalJSON accepts a JSON string or number.
func (u *UserID) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*u = ""
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("decode user id: %w", err)
		}
		*u = UserID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("decode user id: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as numbers so clients see what the
// credential store issued.
func (u UserID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(u), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(u) {
		return []byte(u), nil
	}
	return json.Marshal(string(u))
}

// Credentials is the payload of the authenticate event.
type Credentials struct {
	ID    UserID  `json:"id"`
	Name  string  `json:"name"`
	Email *string `json:"email"`
}

// UserProfile binds a live connection to a user.
type UserProfile struct {
	SocketID ConnectionID `json:"socketId"`
	UserID   UserID       `json:"userId"`
	Name     string       `json:"name"`
	Email    *string      `json:"email"`
}

// LegacyHello is sent by clients that never authenticate.
type LegacyHello struct {
	UserID UserID `json:"userId"`
}

// Attachment is the file envelope carried inside a Message. Data holds base64
// ciphertext when Encrypted is set, otherwise a data URL.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"type"`
	Size      int64  `json:"size"`
	Data      string `json:"data"`
	Encrypted bool   `json:"encrypted"`
}

// Message is a chat message. Only Read changes after creation.
type Message struct {
	ID          string       `json:"id"`
	Sender      ConnectionID `json:"sender"`
	SenderName  string       `json:"senderName,omitempty"`
	Receiver    ConnectionID `json:"receiver"`
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp,omitzero"`
	Read        bool         `json:"read"`
	Attachment  *Attachment  `json:"attachment,omitempty"`
	IsFormatted bool         `json:"isFormatted"`
}

// TypingState is last-value-wins per (sender, receiver).
type TypingState struct {
	User     *UserProfile `json:"user,omitempty"`
	IsTyping bool         `json:"isTyping"`
	Receiver ConnectionID `json:"receiver"`
}

// ReadReceipt acknowledges a message by id.
type ReadReceipt struct {
	MessageID string       `json:"messageId"`
	Reader    ConnectionID `json:"reader"`
}

// Envelope is one JSON text frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload under the given event name.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if event == "" {
		return Envelope{}, ErrMissingEvent
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %q payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode marshals an event straight to frame bytes.
func Encode(event string, payload any) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %q envelope: %w", event, err)
	}
	return frame, nil
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Bind unmarshals the envelope payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %q payload: empty", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", e.Event, err)
	}
	return nil
}
