// Package broadcast implements the session broadcaster: fan-out of
// session-update events and execution lifecycle transitions to WebSocket
// subscribers keyed by channel. Each subscriber gets a bounded outbound
// buffer so one slow reader cannot backpressure producers.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Scope identifies which kind of entity a channel fans out updates for.
type Scope string

const (
	ScopeExecution Scope = "execution"
	ScopeWorkflow  Scope = "workflow"
	ScopeIssue     Scope = "issue"
)

// Channel is the subscription key: (projectId, scope, id).
type Channel struct {
	ProjectID string
	Scope     Scope
	ID        string
}

// outboundBuffer bounds how many pending messages a subscriber may queue
// before it is judged slow and disconnected.
const outboundBuffer = 256

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Subscriber is one connected WebSocket client.
type Subscriber struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newSubscriber(conn *websocket.Conn) *Subscriber {
	return &Subscriber{conn: conn, send: make(chan []byte, outboundBuffer)}
}

// enqueue attempts a non-blocking send; returns false if the subscriber's
// buffer is full. Delivery is best-effort: a slow subscriber is
// disconnected rather than allowed to backpressure producers.
func (s *Subscriber) enqueue(payload []byte) bool {
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Broadcaster fans session updates out to channel subscribers.
type Broadcaster struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[Channel]map[*Subscriber]struct{}

	closeOnce sync.Once
}

// New creates an empty Broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:   logger,
		channels: make(map[Channel]map[*Subscriber]struct{}),
	}
}

// Subscribe registers conn on ch and starts its write pump and keepalive
// ping loop. Call the returned function to unsubscribe and close the
// connection.
func (b *Broadcaster) Subscribe(ch Channel, conn *websocket.Conn) (unsubscribe func()) {
	sub := newSubscriber(conn)

	b.mu.Lock()
	set, ok := b.channels[ch]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.channels[ch] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	go b.writePump(sub, done)

	return func() {
		b.mu.Lock()
		if set, ok := b.channels[ch]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.channels, ch)
			}
		}
		b.mu.Unlock()
		sub.close()
		<-done
	}
}

// writePump drains a subscriber's outbound buffer to its socket and sends
// periodic pings, closing the connection once the buffer channel closes or
// a write fails.
func (b *Broadcaster) writePump(sub *Subscriber, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
		close(done)
	}()

	for {
		select {
		case payload, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish marshals payload and fans it out to every subscriber of ch,
// dropping (and scheduling disconnection of) any subscriber whose buffer is
// already full. Callers must address exactly one channel per logical
// event — the execution channel and the issue channel are never both
// targeted for the same update.
func (b *Broadcaster) Publish(ch Channel, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.channels[ch]))
	for s := range b.channels[ch] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.enqueue(data) {
			b.logger.Warn("disconnecting slow broadcaster subscriber", "channel", ch)
			s.close()
		}
	}
	return nil
}

// SubscriberCount reports how many subscribers are registered on ch, for
// tests and observability.
func (b *Broadcaster) SubscriberCount(ch Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[ch])
}

// TotalSubscriberCount reports how many subscribers are connected across
// all channels, for metrics export.
func (b *Broadcaster) TotalSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.channels {
		n += len(set)
	}
	return n
}

// ChannelCount reports how many channels currently have at least one
// subscriber.
func (b *Broadcaster) ChannelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// Shutdown closes every subscriber across every channel. Safe to call more
// than once.
func (b *Broadcaster) Shutdown() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		channels := b.channels
		b.channels = make(map[Channel]map[*Subscriber]struct{})
		b.mu.Unlock()

		for _, set := range channels {
			for s := range set {
				s.close()
			}
		}
	})
}
