package hub

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"securechat/internal/protocol"
)

// Handler upgrades HTTP requests to WebSocket connections owned by a Manager.
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
}

// NewHandler returns the /ws endpoint. An empty allowedOrigins accepts any
// origin, which is only suitable for local development.
func NewHandler(m *Manager, allowedOrigins []string) *Handler {
	return &Handler{
		manager: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// ServeHTTP assigns the connection a fresh identity, registers it with the
// manager and spins up the per-connection goroutines.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	conn, err := h.upgrader.Upgrade(w, r, http.Header{protocol.ConnectionIDHeader: []string{id}})
	if err != nil {
		// Upgrade already wrote the error response.
		h.manager.logger.Printf("hub: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	client := h.manager.newClient(id, conn)
	select {
	case h.manager.register <- client:
	case <-h.manager.done:
		conn.Close()
		return
	}

	go client.write()
	go client.read()
}
