package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"securechat/internal/protocol"
)

const (
	// OnlineKey is the Redis hash holding socketId -> profile JSON.
	OnlineKey = "securechat:presence:online"
	// EventsChannel is the Redis pub/sub channel for connect/disconnect events.
	EventsChannel = "securechat:presence:events"

	defaultMirrorQueue = 256
	mirrorWriteTimeout = 2 * time.Second
)

// Change kinds reported to a Mirror.
const (
	ChangeOnline  = "online"
	ChangeOffline = "offline"
)

// Change is one registry mutation.
type Change struct {
	Kind    string               `json:"kind"`
	Profile protocol.UserProfile `json:"profile"`
	At      time.Time            `json:"at"`
}

// Mirror receives registry mutations after they are applied. Implementations
// must not block the caller.
type Mirror interface {
	Record(Change)
}

// NopMirror discards every change.
type NopMirror struct{}

func (NopMirror) Record(Change) {}

// RedisWriter is the subset of *redis.Client used by RedisMirror.
type RedisWriter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisMirror publishes presence to Redis for external observers. Writes go
// through a bounded queue drained by one goroutine; changes are dropped when
// the queue is full.
type RedisMirror struct {
	rdb    RedisWriter
	logger *log.Logger
	queue  chan Change

	mu      sync.Mutex
	dropped int
	done    chan struct{}
}

// NewRedisMirror clears any stale online set and starts the writer goroutine.
func NewRedisMirror(ctx context.Context, rdb RedisWriter, logger *log.Logger) *RedisMirror {
	if logger == nil {
		logger = log.Default()
	}
	m := &RedisMirror{
		rdb:    rdb,
		logger: logger,
		queue:  make(chan Change, defaultMirrorQueue),
		done:   make(chan struct{}),
	}

	if err := rdb.Del(ctx, OnlineKey).Err(); err != nil {
		logger.Printf("presence: clear redis online set failed: %v", err)
	}

	go m.run(ctx)
	return m
}

// Record enqueues a change without blocking.
func (m *RedisMirror) Record(change Change) {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	select {
	case m.queue <- change:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
	}
}

// Dropped reports how many changes were discarded because the queue was full.
func (m *RedisMirror) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close stops accepting changes and waits for queued ones to be written.
func (m *RedisMirror) Close() {
	close(m.queue)
	<-m.done
}

func (m *RedisMirror) run(ctx context.Context) {
	defer close(m.done)
	for change := range m.queue {
		m.write(ctx, change)
	}
}

func (m *RedisMirror) write(parent context.Context, change Change) {
	ctx, cancel := context.WithTimeout(parent, mirrorWriteTimeout)
	defer cancel()

	profile, err := json.Marshal(change.Profile)
	if err != nil {
		m.logger.Printf("presence: marshal profile socket=%s: %v", change.Profile.SocketID, err)
		return
	}

	switch change.Kind {
	case ChangeOnline:
		err = m.rdb.HSet(ctx, OnlineKey, change.Profile.SocketID, profile).Err()
	case ChangeOffline:
		err = m.rdb.HDel(ctx, OnlineKey, change.Profile.SocketID).Err()
	default:
		m.logger.Printf("presence: unknown change kind %q", change.Kind)
		return
	}
	if err != nil {
		m.logger.Printf("presence: redis %s socket=%s: %v", change.Kind, change.Profile.SocketID, err)
		return
	}

	event, err := json.Marshal(change)
	if err != nil {
		m.logger.Printf("presence: marshal change: %v", err)
		return
	}
	if err := m.rdb.Publish(ctx, EventsChannel, event).Err(); err != nil {
		m.logger.Printf("presence: redis publish: %v", err)
	}
}
