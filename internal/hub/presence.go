package hub

import (
	"securechat/internal/presence"
	"securechat/internal/protocol"
)

// announceJoin publishes the full list to everyone, then the single new
// profile to everyone else. The list is authoritative; the join event is a hint.
func (m *Manager) announceJoin(profile protocol.UserProfile) {
	m.sendAll(m.encode(protocol.EventUsersList, m.registry.List()))
	m.send(m.encode(protocol.EventUserConnected, profile), profile.SocketID)
	m.mirror.Record(presence.Change{Kind: presence.ChangeOnline, Profile: profile, At: m.now().UTC()})
}

// announceLeave runs after the profile is gone from the registry, so the
// departed connection never appears in the refreshed list.
func (m *Manager) announceLeave(profile protocol.UserProfile) {
	m.sendAll(m.encode(protocol.EventUserDisconnected, profile))
	m.sendAll(m.encode(protocol.EventUsersList, m.registry.List()))
	m.mirror.Record(presence.Change{Kind: presence.ChangeOffline, Profile: profile, At: m.now().UTC()})
}

func (m *Manager) handleAuthenticate(c *Client, env protocol.Envelope) {
	var creds protocol.Credentials
	if err := env.Bind(&creds); err != nil {
		m.logger.Printf("hub: bad authenticate from id=%s: %v", c.id, err)
		return
	}

	profile := m.registry.Authenticate(c.id, creds)
	m.logger.Printf("hub: user authenticated id=%s user=%s name=%q", c.id, profile.UserID, profile.Name)
	m.announceJoin(profile)
}

// handleLegacyHello gives a connection that never authenticates a
// synthesized profile so it still shows up in presence.
func (m *Manager) handleLegacyHello(c *Client, env protocol.Envelope) {
	var hello protocol.LegacyHello
	if len(env.Data) > 0 {
		if err := env.Bind(&hello); err != nil {
			m.logger.Printf("hub: bad legacy hello from id=%s: %v", c.id, err)
		}
	}

	profile, added := m.registry.Fallback(c.id)
	if !added {
		return
	}
	m.logger.Printf("hub: legacy user connected id=%s claimed=%s", c.id, hello.UserID)
	m.announceJoin(profile)
}
