package crdt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrCoordinatorClosed is returned when operations are attempted on a
// coordinator that has already shut down.
var ErrCoordinatorClosed = errors.New("crdt: coordinator closed")

const (
	defaultPersistInterval       = 500 * time.Millisecond
	defaultGCInterval            = 5 * time.Minute
	defaultExecutionGCAge        = time.Hour
	defaultAgentHeartbeatTimeout = 2 * time.Minute
	quiescenceWait               = 2 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Config configures a Coordinator. Zero values take the standard
// defaults.
type Config struct {
	PersistInterval       time.Duration
	GCInterval            time.Duration
	ExecutionGCAge        time.Duration
	AgentHeartbeatTimeout time.Duration
	Logger                *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PersistInterval == 0 {
		c.PersistInterval = defaultPersistInterval
	}
	if c.GCInterval == 0 {
		c.GCInterval = defaultGCInterval
	}
	if c.ExecutionGCAge == 0 {
		c.ExecutionGCAge = defaultExecutionGCAge
	}
	if c.AgentHeartbeatTimeout == 0 {
		c.AgentHeartbeatTimeout = defaultAgentHeartbeatTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// client is one connected WebSocket subscriber, shaped like
// internal/broadcast.Subscriber but with a read pump as well, since sync
// clients send updates too.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *client) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Coordinator hosts the authoritative replicated document. It is a
// process-wide singleton with an explicit New/Start/Shutdown lifecycle: no
// work happens until Start is called.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	store  Store

	doc *document

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool

	connMu  sync.RWMutex
	clients map[*client]struct{}

	persistMu    sync.Mutex
	persistTimer *time.Timer
	dirty        bool

	gcStop chan struct{}
	gcDone chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a Coordinator backed by store. store may be nil, in which
// case persistence is a no-op (useful for tests exercising only the
// in-memory document and fan-out).
func New(cfg Config, store Store) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:        cfg,
		logger:     cfg.Logger,
		store:      store,
		doc:        newDocument(),
		clients:    make(map[*client]struct{}),
		gcStop:     make(chan struct{}),
		gcDone:     make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// Start begins listening for WebSocket connections on addr (e.g.
// "127.0.0.1:0" to pick a free port) and starts the GC loop. It returns the
// port actually bound.
func (co *Coordinator) Start(ctx context.Context, addr string) (int, error) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.closed {
		return 0, ErrCoordinatorClosed
	}
	if co.httpServer != nil {
		return co.listener.Addr().(*net.TCPAddr).Port, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("crdt: listen: %w", err)
	}
	co.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", co.handleWebSocket)
	co.httpServer = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}

	go func() {
		if err := co.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			co.logger.Error("crdt coordinator server error", "error", err)
		}
	}()

	go co.runGC()

	port := listener.Addr().(*net.TCPAddr).Port
	co.logger.Info("crdt coordinator started", "port", port)
	return port, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (co *Coordinator) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	co.mu.RLock()
	closed := co.closed
	co.mu.RUnlock()
	if closed {
		http.Error(w, "coordinator shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		co.logger.Error("crdt websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}

	init, err := encodeSyncInit(co.doc.snapshot())
	if err != nil {
		co.logger.Error("crdt encoding initial sync", "error", err)
		conn.Close()
		return
	}
	if !c.enqueue(init) {
		co.logger.Warn("crdt client buffer full on initial sync", "client", c.id)
	}

	co.connMu.Lock()
	co.clients[c] = struct{}{}
	co.connMu.Unlock()

	done := make(chan struct{})
	go co.writePump(c, done)
	co.readPump(c)
	<-done
}

// writePump drains c's outbound buffer to its socket and sends periodic
// pings, mirroring internal/broadcast.Broadcaster.writePump.
func (co *Coordinator) writePump(c *client, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(done)
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads incoming frames from c, applies each as an op against the
// document, and re-broadcasts successful applies to every other client.
func (co *Coordinator) readPump(c *client) {
	defer func() {
		co.connMu.Lock()
		delete(co.clients, c)
		co.connMu.Unlock()
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				co.logger.Warn("crdt websocket read error", "client", c.id, "error", err)
			}
			return
		}

		op, isUpdate, err := decodeIncoming(raw)
		if err != nil {
			co.logger.Warn("crdt: dropping malformed frame", "client", c.id, "error", err)
			continue
		}
		if !isUpdate {
			continue
		}

		co.ApplyOp(op, c)
	}
}

// ApplyOp merges op into the authoritative document. If it changed the
// document, op is re-broadcast to every client other than from (nil
// broadcasts to all, for server-originated ops such as step/agent
// bookkeeping) and a debounced persist is scheduled.
func (co *Coordinator) ApplyOp(op Op, from *client) {
	if op.UpdatedAt.IsZero() {
		op.UpdatedAt = time.Now()
	}

	changed, err := co.doc.apply(op)
	if err != nil {
		co.logger.Warn("crdt: rejecting op", "map", op.Map, "key", op.Key, "error", err)
		return
	}
	if !changed {
		return
	}

	co.broadcast(op, from)
	co.schedulePersist()
}

func (co *Coordinator) broadcast(op Op, from *client) {
	payload, err := encodeSyncUpdate(op)
	if err != nil {
		co.logger.Error("crdt: encoding broadcast update", "error", err)
		return
	}

	co.connMu.RLock()
	targets := make([]*client, 0, len(co.clients))
	for c := range co.clients {
		if c != from {
			targets = append(targets, c)
		}
	}
	co.connMu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			co.logger.Warn("crdt: disconnecting slow client", "client", c.id)
			c.close()
		}
	}
}

// schedulePersist arms the write-through debounce timer if one isn't
// already pending.
func (co *Coordinator) schedulePersist() {
	co.persistMu.Lock()
	defer co.persistMu.Unlock()

	co.dirty = true
	if co.persistTimer != nil {
		return
	}
	co.persistTimer = time.AfterFunc(co.cfg.PersistInterval, co.persistNow)
}

func (co *Coordinator) persistNow() {
	co.persistMu.Lock()
	co.persistTimer = nil
	if !co.dirty {
		co.persistMu.Unlock()
		return
	}
	co.dirty = false
	co.persistMu.Unlock()

	if co.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := co.store.PersistEntities(ctx, co.doc.snapshot()); err != nil {
		// Persistence failures are logged and retried on the next
		// triggering change; they never crash the process.
		co.logger.Error("crdt: persisting document failed", "error", err)
		co.persistMu.Lock()
		co.dirty = true
		if co.persistTimer == nil {
			co.persistTimer = time.AfterFunc(co.cfg.PersistInterval, co.persistNow)
		}
		co.persistMu.Unlock()
	}
}

// FlushPersist forces an immediate, synchronous persist regardless of the
// debounce state, used by Shutdown and available to callers that need a
// durability barrier (e.g. before reporting a workflow step complete).
func (co *Coordinator) FlushPersist(ctx context.Context) error {
	if co.store == nil {
		return nil
	}
	co.persistMu.Lock()
	if co.persistTimer != nil {
		co.persistTimer.Stop()
		co.persistTimer = nil
	}
	co.dirty = false
	co.persistMu.Unlock()

	return co.store.PersistEntities(ctx, co.doc.snapshot())
}

func (co *Coordinator) runGC() {
	ticker := time.NewTicker(co.cfg.GCInterval)
	defer func() {
		ticker.Stop()
		close(co.gcDone)
	}()

	for {
		select {
		case <-co.gcStop:
			return
		case <-ticker.C:
			executions, agents := co.doc.gc(time.Now(), co.cfg.ExecutionGCAge, co.cfg.AgentHeartbeatTimeout)
			if executions > 0 || agents > 0 {
				co.logger.Info("crdt gc swept stale entries", "executions", executions, "agents", agents)
			}
		}
	}
}

// Snapshot returns the current document state, for callers (e.g. HTTP
// status endpoints) that need a read without going through WebSocket sync.
func (co *Coordinator) Snapshot() Snapshot { return co.doc.snapshot() }

// ClientCount reports the number of connected WebSocket clients.
func (co *Coordinator) ClientCount() int {
	co.connMu.RLock()
	defer co.connMu.RUnlock()
	return len(co.clients)
}

// Shutdown flushes a final persist, closes every client socket, waits up
// to 2s for quiescence and then force-clears, and closes the listener.
// Safe to call more than once.
func (co *Coordinator) Shutdown(ctx context.Context) error {
	var shutdownErr error
	co.shutdownOnce.Do(func() {
		co.mu.Lock()
		co.closed = true
		co.mu.Unlock()

		close(co.gcStop)
		<-co.gcDone

		if err := co.FlushPersist(ctx); err != nil {
			co.logger.Error("crdt: final persist failed", "error", err)
		}

		co.connMu.Lock()
		clients := make([]*client, 0, len(co.clients))
		for c := range co.clients {
			clients = append(clients, c)
		}
		co.connMu.Unlock()

		for _, c := range clients {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator shutdown"),
				time.Now().Add(time.Second),
			)
			c.close()
		}

		quiesced := make(chan struct{})
		go func() {
			for {
				co.connMu.RLock()
				n := len(co.clients)
				co.connMu.RUnlock()
				if n == 0 {
					close(quiesced)
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
		select {
		case <-quiesced:
		case <-time.After(quiescenceWait):
			co.connMu.Lock()
			co.clients = make(map[*client]struct{})
			co.connMu.Unlock()
		}

		if co.httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := co.httpServer.Shutdown(shutdownCtx); err != nil {
				shutdownErr = err
			}
		}
		close(co.shutdownCh)
		co.logger.Info("crdt coordinator shutdown complete")
	})
	return shutdownErr
}
