// Package livetail streams trace events to websocket clients.
package livetail

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/observability"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/services/trace"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigFastest

const (
	writeWait    = 5 * time.Second
	readLimit    = 512
	closeMessage = "live tail stopped"
)

var (
	// ErrTooManyClients is returned when the client limit is reached.
	ErrTooManyClients = services.NewDomainError(services.ErrorTypeUnavailable, "too many live tail clients", nil)

	// ErrNotRunning is returned by Stop on a hub that was never started or is already stopped.
	ErrNotRunning = errors.New("live tail not running")
)

// Config holds the hub's limits.
type Config struct {
	BufferSize   int // events queued between the sink and the encoder
	ClientBuffer int // encoded events queued per client
	MaxClients   int // 0 means unlimited
}

func DefaultConfig() Config {
	return Config{
		BufferSize:   1024,
		ClientBuffer: 64,
		MaxClients:   16,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// writePump owns all writes to conn. Once done is closed it flushes what is
// already queued and says goodbye.
func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if !c.write(msg) {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, closeMessage),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (c *client) write(msg []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg) == nil
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans trace events out to websocket clients. Events are encoded once on
// a single goroutine; a client that cannot keep up is disconnected.
type Hub struct {
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	started bool
	stopped bool
	events  chan trace.Event
	dropped atomic.Uint64

	wg sync.WaitGroup
}

var _ trace.Subscriber = (*Hub)(nil)

func NewHub(cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Hub{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		clients: make(map[*client]struct{}),
		events:  make(chan trace.Event, cfg.BufferSize),
	}
}

// Start launches the encoder goroutine.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("live tail already started")
	}
	if h.stopped {
		return fmt.Errorf("live tail already stopped")
	}
	h.started = true

	h.wg.Add(1)
	go h.pump()

	h.logger.Info("started live tail",
		zap.Int("buffer_size", h.cfg.BufferSize),
		zap.Int("max_clients", h.cfg.MaxClients))
	return nil
}

// Stop drains queued events to connected clients, then disconnects them.
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return ErrNotRunning
	}
	h.stopped = true
	close(h.events)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("live tail stop timeout after %v", timeout)
	}

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	h.metrics.SetLiveTailClients(0)

	if err == nil {
		h.logger.Info("live tail stopped gracefully")
	}
	return err
}

// Publish queues e without blocking. With no clients it does nothing.
func (h *Hub) Publish(e trace.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.started || h.stopped || len(h.clients) == 0 {
		return
	}
	select {
	case h.events <- e:
	default:
		if n := h.dropped.Add(1); n == 1 || n%1000 == 0 {
			h.logger.Warn("live tail queue full, dropping events", zap.Uint64("dropped", n))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve attaches conn and blocks until the peer disconnects or the hub stops.
// Inbound messages are discarded.
func (h *Hub) Serve(conn *websocket.Conn) error {
	c, err := h.addClient(conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return err
	}
	defer h.removeClient(c)

	// The operator server's read timeout must not end a long-lived tail.
	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(readLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("live tail client read ended", zap.Error(err))
			}
			return nil
		}
	}
}

func (h *Hub) addClient(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return nil, services.NewDomainError(services.ErrorTypeUnavailable, "live tail not running", nil)
	}
	if h.cfg.MaxClients > 0 && len(h.clients) >= h.cfg.MaxClients {
		h.mu.Unlock()
		return nil, ErrTooManyClients
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, h.cfg.ClientBuffer),
		done: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	go c.writePump()
	h.metrics.SetLiveTailClients(n)
	h.logger.Debug("live tail client connected", zap.String("remote", conn.RemoteAddr().String()))
	return c, nil
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.metrics.SetLiveTailClients(n)
	}
}

func (h *Hub) pump() {
	defer h.wg.Done()
	for e := range h.events {
		data, err := json.Marshal(e)
		if err != nil {
			h.logger.Error("failed to encode trace event", zap.Error(err))
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("live tail client too slow, disconnecting")
			h.removeClient(c)
		}
	}
}
