// Package client is the transport side of the conversation store: it dials a
// chat server, authenticates, folds every inbound event into a
// conversation.Store and writes back the receipts the fold produces.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"securechat/internal/attachment"
	"securechat/internal/conversation"
	"securechat/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	// updateBuffer bounds the notification queue; a slow reader misses updates, not events.
	updateBuffer = 256
	sendBuffer   = 64
)

var (
	// ErrEmptyMessage rejects a send with neither text nor attachment.
	ErrEmptyMessage = errors.New("client: message is empty")
	// ErrNoReceiver rejects a send with no conversation selected or named.
	ErrNoReceiver = errors.New("client: receiver is required")
	// ErrClosed is returned once the connection has ended.
	ErrClosed = errors.New("client: session closed")
	// ErrNoConnectionID means the server did not report the connection id on upgrade.
	ErrNoConnectionID = errors.New("client: server did not assign a connection id")
)

// Options configures Dial.
type Options struct {
	// ServerURL is the http(s) base URL of the chat server.
	ServerURL string
	// Codec seals outgoing and opens incoming attachments. Without one,
	// SendFile fails and received attachments stay sealed.
	Codec  *attachment.Codec
	Logger *log.Logger
	Dialer *websocket.Dialer
	Header http.Header
	Now    func() time.Time
}

// Session is one live connection and its projection.
type Session struct {
	self   protocol.ConnectionID
	conn   *websocket.Conn
	codec  *attachment.Codec
	logger *log.Logger
	now    func() time.Time

	mu    sync.Mutex
	store *conversation.Store

	send    chan []byte
	updates chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// WebSocketURL turns a server base URL into the /ws endpoint URL.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("parse server url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("parse server url: missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Dial connects to the server and starts the read and write goroutines. The
// session is unauthenticated until Authenticate or Hello is called.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	wsURL, err := WebSocketURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	self := resp.Header.Get(protocol.ConnectionIDHeader)
	if self == "" {
		conn.Close()
		return nil, ErrNoConnectionID
	}

	// A nil *Codec must not become a non-nil Opener.
	var opener conversation.Opener
	if opts.Codec != nil {
		opener = opts.Codec
	}

	s := &Session{
		self:    self,
		conn:    conn,
		codec:   opts.Codec,
		logger:  opts.Logger,
		now:     opts.Now,
		store:   conversation.NewStore(self, opener),
		send:    make(chan []byte, sendBuffer),
		updates: make(chan protocol.Envelope, updateBuffer),
		done:    make(chan struct{}),
	}
	s.conn.SetReadLimit(int64(attachment.MaxFrameSize))

	go s.write()
	go s.read()

	s.logger.Printf("client: connected id=%s url=%s", self, wsURL)
	return s, nil
}

// Self is the connection id the server assigned.
func (s *Session) Self() protocol.ConnectionID {
	return s.self
}

// Authenticate binds a user to this connection. The server answers with users_list.
func (s *Session) Authenticate(creds protocol.Credentials) error {
	return s.emit(protocol.EventAuthenticate, creds)
}

// Hello registers with the legacy fallback profile instead of credentials.
func (s *Session) Hello(userID protocol.UserID) error {
	return s.emit(protocol.EventUserConnected, protocol.LegacyHello{UserID: userID})
}

// IsFormatted reports whether text uses any markdown marker the UI renders.
func IsFormatted(text string) bool {
	return strings.ContainsAny(text, "*`[")
}

// Send sends a text message to receiver, or to the selected conversation when
// receiver is empty. Empty text is rejected before anything is written.
func (s *Session) Send(receiver protocol.ConnectionID, text string) (protocol.Message, error) {
	if strings.TrimSpace(text) == "" {
		return protocol.Message{}, ErrEmptyMessage
	}
	receiver, err := s.receiver(receiver)
	if err != nil {
		return protocol.Message{}, err
	}

	msg := s.newMessage(receiver, text)
	if err := s.emit(protocol.EventChatMessage, msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// SendFile seals the file at path for the conversation with receiver and
// sends it with an optional caption. Oversized files fail with
// attachment.ErrTooLarge before the file is read.
func (s *Session) SendFile(ctx context.Context, receiver protocol.ConnectionID, path, caption string) (protocol.Message, error) {
	receiver, err := s.receiver(receiver)
	if err != nil {
		return protocol.Message{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("stat attachment: %w", err)
	}
	if err := attachment.CheckSize(info.Size()); err != nil {
		return protocol.Message{}, err
	}
	if s.codec == nil {
		return protocol.Message{}, attachment.ErrNoSecret
	}

	conv := attachment.Conversation{A: s.self, B: receiver}
	var sealed attachment.Sealed
	select {
	case sealed = <-s.codec.EncryptAsync(ctx, path, "", conv):
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
	if sealed.Err != nil {
		return protocol.Message{}, sealed.Err
	}

	msg := s.newMessage(receiver, caption)
	msg.Attachment = &sealed.Attachment
	if err := s.emit(protocol.EventChatMessage, msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

func (s *Session) newMessage(receiver protocol.ConnectionID, text string) protocol.Message {
	return protocol.Message{
		ID:          uuid.NewString(),
		Sender:      s.self,
		Receiver:    receiver,
		Text:        text,
		Timestamp:   s.now().UTC(),
		IsFormatted: IsFormatted(text),
	}
}

func (s *Session) receiver(receiver protocol.ConnectionID) (protocol.ConnectionID, error) {
	if receiver != "" {
		return receiver, nil
	}
	s.mu.Lock()
	receiver = s.store.Selected()
	s.mu.Unlock()
	if receiver == "" {
		return "", ErrNoReceiver
	}
	return receiver, nil
}

// Typing reports this user's typing state towards receiver.
func (s *Session) Typing(receiver protocol.ConnectionID, typing bool) error {
	receiver, err := s.receiver(receiver)
	if err != nil {
		return err
	}
	return s.emit(protocol.EventTyping, protocol.TypingState{IsTyping: typing, Receiver: receiver})
}

// Select opens the conversation with peer and acknowledges its unread messages.
func (s *Session) Select(peer protocol.ConnectionID) error {
	s.mu.Lock()
	receipts, err := s.store.Select(peer)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.emitAll(receipts)
}

// View runs fn with exclusive access to the projection. fn must not retain
// the store or call back into the session.
func (s *Session) View(fn func(*conversation.Store)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.store)
}

// Updates yields every event after it has been applied. It is closed when the
// session ends. Updates are dropped when nobody keeps up.
func (s *Session) Updates() <-chan protocol.Envelope {
	return s.updates
}

// Done is closed when the connection has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended; nil after a local Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close sends a close frame and tears the connection down.
func (s *Session) Close() error {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	s.shutdown(nil)
	return nil
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) emitAll(envs []protocol.Envelope) error {
	for _, env := range envs {
		if err := s.emit(env.Event, env.Data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) read() {
	defer close(s.updates)

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Printf("client: read id=%s: %v", s.self, err)
				}
				s.shutdown(err)
			}
			return
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Printf("client: drop frame: %v", err)
			continue
		}

		s.mu.Lock()
		out, err := s.store.Apply(env)
		s.mu.Unlock()
		if err != nil {
			s.logger.Printf("client: apply %q: %v", env.Event, err)
			continue
		}
		if err := s.emitAll(out); err != nil {
			return
		}

		select {
		case s.updates <- env:
		default:
		}
	}
}

func (s *Session) write() {
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.shutdown(fmt.Errorf("write: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}
