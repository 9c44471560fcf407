// Package ws implements the WebSocket broadcaster: a background fan-out
// server independent of the HTTP handler. Connecting clients are replayed
// the bounded message history in order, then receive live traffic. The
// broadcaster is optional infrastructure; when it is absent the HTTP poll
// path remains fully functional.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/metric"
)

// Broadcaster tunables.
const (
	DefaultHistorySize = 50

	// portAttempts is how many adjacent ports to try on bind failure.
	portAttempts = 5

	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
	clientQueueSize = 256
)

// Stats is the broadcaster snapshot for /api/status.
type Stats struct {
	Running          bool  `json:"running"`
	Port             int   `json:"port"`
	ClientsConnected int   `json:"clients_connected"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	HistorySize      int   `json:"history_size"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Broadcaster fans events out to connected WebSocket clients. Broadcast is
// safe to call from any goroutine: the history append and the per-client
// enqueue happen under the same mutex, so a newly-connected client can never
// miss a message it is about to be replayed.
type Broadcaster struct {
	historySize int
	logger      *slog.Logger
	metrics     *metric.Metrics
	upgrader    websocket.Upgrader

	mu            sync.Mutex
	running       bool
	history       [][]byte
	clients       map[*client]struct{}
	totalClients  int64
	totalMessages int64

	server   *http.Server
	listener net.Listener
	port     int
	wg       sync.WaitGroup
}

// NewBroadcaster creates a broadcaster with the given replay history bound.
func NewBroadcaster(historySize int, metrics *metric.Metrics, logger *slog.Logger) *Broadcaster {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		historySize: historySize,
		logger:      logger,
		metrics:     metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-host frontend only; the HTTP layer enforces the API key
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start opens the listener, trying up to five adjacent ports before giving
// up, and begins serving connections in the background.
func (b *Broadcaster) Start(host string, basePort int) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Broadcaster", "Start", "broadcaster already running")
	}
	b.mu.Unlock()

	var listener net.Listener
	var err error
	var port int
	for offset := 0; offset < portAttempts; offset++ {
		port = basePort + offset
		listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			if offset > 0 {
				b.logger.Warn("websocket port in use, using fallback", "base_port", basePort, "port", port)
			}
			break
		}
	}
	if listener == nil {
		return errors.WrapFatal(errors.ErrPortUnavailable, "Broadcaster", "Start",
			fmt.Sprintf("bind %s:%d-%d", host, basePort, basePort+portAttempts-1))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleConnection)

	b.mu.Lock()
	b.running = true
	b.listener = listener
	b.port = port
	b.server = &http.Server{Handler: mux}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			// A closed listener during shutdown surfaces as a tolerated error
			b.logger.Debug("websocket server stopped", "error", err)
		}
	}()

	b.logger.Info("websocket broadcaster started", "host", host, "port", port)
	return nil
}

// Port returns the bound port (0 when not started).
func (b *Broadcaster) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// Running reports whether the broadcaster is serving.
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Broadcast marshals a message and sends it to every connected client. The
// history append and the per-client enqueue are atomic with respect to
// connection replay. Slow clients drop frames rather than block the caller.
func (b *Broadcaster) Broadcast(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		b.logger.Error("websocket message marshal failed", "error", err)
		return
	}

	b.mu.Lock()
	b.history = append(b.history, data)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	for c := range b.clients {
		select {
		case c.send <- data:
			b.totalMessages++
		default:
			// Queue full: the client is too slow, drop the frame
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.WSMessagesSent.Inc()
	}
}

// Stats returns the broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Running:          b.running,
		Port:             b.port,
		ClientsConnected: len(b.clients),
		TotalConnections: b.totalClients,
		MessagesSent:     b.totalMessages,
		HistorySize:      len(b.history),
	}
}

// Shutdown closes the listening socket first, then disconnects clients and
// stops the serve loop.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	listener := b.listener
	server := b.server
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			b.logger.Debug("websocket listener close", "error", err)
		}
	}
	for _, c := range clients {
		c.close()
		c.conn.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			b.logger.Debug("websocket server shutdown", "error", err)
		}
		cancel()
	}
	b.wg.Wait()
	b.logger.Info("websocket broadcaster stopped")
}

// handleConnection upgrades a client, replays the history buffer in order,
// and then forwards live traffic.
func (b *Broadcaster) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientQueueSize),
	}

	// Enqueue the replay and register the client under one lock so no live
	// broadcast can interleave between replay and registration
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		conn.Close()
		return
	}
	for _, frame := range b.history {
		c.send <- frame
	}
	b.clients[c] = struct{}{}
	b.totalClients++
	clientCount := len(b.clients)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.WSClientsGauge.Set(float64(clientCount))
	}
	b.logger.Debug("websocket client connected", "client_id", c.id, "clients", clientCount)

	b.wg.Add(2)
	go b.writeLoop(c)
	go b.readLoop(c)
}

func (b *Broadcaster) writeLoop(c *client) {
	defer b.wg.Done()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.dropClient(c)
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.dropClient(c)
				return
			}
		}
	}
}

// readLoop drains client frames so control messages are processed; any read
// error disconnects the client.
func (b *Broadcaster) readLoop(c *client) {
	defer b.wg.Done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.dropClient(c)
			return
		}
	}
}

func (b *Broadcaster) dropClient(c *client) {
	b.mu.Lock()
	_, present := b.clients[c]
	delete(b.clients, c)
	clientCount := len(b.clients)
	b.mu.Unlock()

	if present {
		c.close()
		c.conn.Close()
		if b.metrics != nil {
			b.metrics.WSClientsGauge.Set(float64(clientCount))
		}
		b.logger.Debug("websocket client disconnected", "client_id", c.id, "clients", clientCount)
	}
}
