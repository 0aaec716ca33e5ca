package hub

import (
	"securechat/internal/protocol"
)

func (m *Manager) dispatch(c *Client, env protocol.Envelope) {
	if _, ok := m.clients[c.id]; !ok {
		return
	}

	switch env.Event {
	case protocol.EventAuthenticate:
		m.handleAuthenticate(c, env)
	case protocol.EventUserConnected:
		m.handleLegacyHello(c, env)
	case protocol.EventChatMessage:
		m.relayMessage(c, env)
	case protocol.EventTyping:
		m.relayTyping(c, env)
	case protocol.EventMessageRead:
		m.relayRead(c, env)
	default:
		m.logger.Printf("hub: unknown event %q from id=%s", env.Event, c.id)
	}
}

// relayMessage makes exactly two logical deliveries: to the other side(s)
// and an echo back to the sender. Clients deduplicate on message id.
func (m *Manager) relayMessage(c *Client, env protocol.Envelope) {
	var msg protocol.Message
	if err := env.Bind(&msg); err != nil {
		m.logger.Printf("hub: bad chat message from id=%s: %v", c.id, err)
		return
	}

	if msg.Sender == "" {
		msg.Sender = c.id
	}
	if profile, ok := m.registry.Get(c.id); ok {
		msg.SenderName = profile.Name
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}

	frame := m.encode(protocol.EventChatMessage, msg)
	switch m.mode {
	case DeliverDirect:
		if msg.Receiver != c.id {
			m.sendTo(msg.Receiver, frame)
		}
	default:
		m.send(frame, c.id)
	}
	m.sendTo(c.id, frame)
}

// relayTyping forwards typing state to everyone but the typist. The user
// field is always server-asserted.
func (m *Manager) relayTyping(c *Client, env protocol.Envelope) {
	var state protocol.TypingState
	if err := env.Bind(&state); err != nil {
		m.logger.Printf("hub: bad typing from id=%s: %v", c.id, err)
		return
	}

	profile, ok := m.registry.Get(c.id)
	if !ok {
		profile = protocol.UserProfile{SocketID: c.id}
	}
	state.User = &profile

	m.send(m.encode(protocol.EventTyping, state), c.id)
}

// relayRead broadcasts a receipt to every connection, the reader included.
// Holders of a message with that id flip it to read.
func (m *Manager) relayRead(c *Client, env protocol.Envelope) {
	var receipt protocol.ReadReceipt
	if err := env.Bind(&receipt); err != nil {
		m.logger.Printf("hub: bad message_read from id=%s: %v", c.id, err)
		return
	}
	if receipt.MessageID == "" {
		return
	}
	if receipt.Reader == "" {
		receipt.Reader = c.id
	}

	m.sendAll(m.encode(protocol.EventMessageRead, receipt))
}
