// Package hub is the central event loop. The manager owns every live
// connection and handles registration, unregistration and inbound events one
// at a time, so the registry and the fan-out never see concurrent mutation.
package hub

import (
	"context"
	"log"
	"time"

	"securechat/internal/presence"
	"securechat/internal/protocol"
)

// DeliveryMode selects who receives a relayed chat message besides the echo.
type DeliveryMode string

const (
	// DeliverBroadcast sends every message to every other connection.
	DeliverBroadcast DeliveryMode = "broadcast"
	// DeliverDirect sends a message only to the connection named by receiver.
	DeliverDirect DeliveryMode = "direct"
)

// DefaultSendBuffer is the per-connection outbound queue length.
const DefaultSendBuffer = 64

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Registry   *presence.Registry
	Mirror     presence.Mirror
	Mode       DeliveryMode
	SendBuffer int
	Logger     *log.Logger
	Now        func() time.Time
}

type inbound struct {
	client *Client
	env    protocol.Envelope
}

// Manager tracks connected clients and routes traffic between them.
type Manager struct {
	registry   *presence.Registry
	mirror     presence.Mirror
	mode       DeliveryMode
	sendBuffer int
	logger     *log.Logger
	now        func() time.Time

	clients    map[protocol.ConnectionID]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	done       chan struct{}

	// evicted holds clients whose send queue overflowed during the current event.
	evicted []*Client
}

func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = presence.NewRegistry()
	}
	if opts.Mirror == nil {
		opts.Mirror = presence.NopMirror{}
	}
	if opts.Mode == "" {
		opts.Mode = DeliverBroadcast
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		registry:   opts.Registry,
		mirror:     opts.Mirror,
		mode:       opts.Mode,
		sendBuffer: opts.SendBuffer,
		logger:     opts.Logger,
		now:        opts.Now,
		clients:    make(map[protocol.ConnectionID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		done:       make(chan struct{}),
	}
}

// Registry exposes the session registry for read-only callers such as health checks.
func (m *Manager) Registry() *presence.Registry {
	return m.registry
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			for _, c := range m.clients {
				m.drop(c)
			}
			return
		case c := <-m.register:
			m.attach(c)
		case c := <-m.unregister:
			m.detach(c)
		case in := <-m.inbound:
			m.dispatch(in.client, in.env)
		}
		m.flushEvictions()
	}
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) attach(c *Client) {
	m.clients[c.id] = c
	m.logger.Printf("hub: connection opened id=%s total=%d", c.id, len(m.clients))
}

// detach forgets a connection and announces the departure of its profile.
func (m *Manager) detach(c *Client) {
	if _, ok := m.clients[c.id]; !ok {
		return
	}
	m.drop(c)
	m.logger.Printf("hub: connection closed id=%s total=%d", c.id, len(m.clients))

	if profile, ok := m.registry.Remove(c.id); ok {
		m.announceLeave(profile)
	}
}

func (m *Manager) drop(c *Client) {
	delete(m.clients, c.id)
	close(c.send)
}

func (m *Manager) flushEvictions() {
	for len(m.evicted) > 0 {
		c := m.evicted[0]
		m.evicted = m.evicted[1:]
		m.logger.Printf("hub: evicting slow connection id=%s", c.id)
		m.detach(c)
	}
}

// deliver queues frame for c without blocking. Full queues mark c for eviction.
func (m *Manager) deliver(c *Client, frame []byte) {
	if frame == nil || c.evicting {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.evicting = true
		m.evicted = append(m.evicted, c)
	}
}

// send broadcasts to all except the ignored connection.
func (m *Manager) send(frame []byte, ignore protocol.ConnectionID) {
	for id, c := range m.clients {
		if id != ignore {
			m.deliver(c, frame)
		}
	}
}

func (m *Manager) sendAll(frame []byte) {
	m.send(frame, "")
}

func (m *Manager) sendTo(id protocol.ConnectionID, frame []byte) bool {
	c, ok := m.clients[id]
	if !ok {
		return false
	}
	m.deliver(c, frame)
	return true
}

func (m *Manager) encode(event string, payload any) []byte {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		m.logger.Printf("hub: encode %q: %v", event, err)
		return nil
	}
	return frame
}
