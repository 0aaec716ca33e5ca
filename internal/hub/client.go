// The read goroutine decodes frames from the browser and pushes them into the
// manager loop. The write goroutine drains the client's send queue back to the
// browser. Separating read and write avoids head-of-line blocking when a
// browser is slow.

package hub

import (
	"time"

	"github.com/gorilla/websocket"

	"securechat/internal/attachment"
	"securechat/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is a single WebSocket connection.
type Client struct {
	id      protocol.ConnectionID
	socket  *websocket.Conn
	send    chan []byte
	manager *Manager

	// evicting is only touched by the manager loop.
	evicting bool
}

func (m *Manager) newClient(id protocol.ConnectionID, socket *websocket.Conn) *Client {
	return &Client{
		id:      id,
		socket:  socket,
		send:    make(chan []byte, m.sendBuffer),
		manager: m,
	}
}

// ID returns the connection identity assigned at upgrade.
func (c *Client) ID() protocol.ConnectionID {
	return c.id
}

func (c *Client) read() {
	m := c.manager
	defer func() {
		select {
		case m.unregister <- c:
		case <-m.done:
		}
		c.socket.Close()
	}()

	c.socket.SetReadLimit(int64(attachment.MaxFrameSize))
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Printf("hub: read from id=%s: %v", c.id, err)
			}
			return
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			m.logger.Printf("hub: drop frame from id=%s: %v", c.id, err)
			continue
		}

		select {
		case m.inbound <- inbound{client: c, env: env}:
		case <-m.done:
			return
		}
	}
}

func (c *Client) write() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.socket.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
