package worker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatsMessage is the JSON payload pushed to dashboard clients.
type StatsMessage struct {
	WorkerID string    `json:"worker_id"`
	Time     time.Time `json:"time"`
	Stats    Stats     `json:"stats"`
}

// Broadcaster pushes worker stats to connected dashboard clients via WebSocket.
type Broadcaster struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		logger:  logger.With(zap.String("component", "broadcast")),
		clients: make(map[*websocket.Conn]bool),
		stopCh:  make(chan struct{}),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("dashboard client connected", zap.Int("clients", n))

	// Read loop (to detect disconnect)
	go func() {
		defer b.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	_, ok := b.clients[conn]
	delete(b.clients, conn)
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		conn.Close()
		b.logger.Info("dashboard client disconnected", zap.Int("clients", n))
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast sends msg to all connected clients, dropping any that fail.
func (b *Broadcaster) Broadcast(msg StatsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	b.mu.Lock()
	var failed []*websocket.Conn
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			failed = append(failed, conn)
		}
	}
	b.mu.Unlock()

	for _, conn := range failed {
		b.remove(conn)
	}
}

// Start pushes snapshot() every interval until Stop.
func (b *Broadcaster) Start(interval time.Duration, workerID string, snapshot func() Stats) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case now := <-ticker.C:
				b.Broadcast(StatsMessage{WorkerID: workerID, Time: now, Stats: snapshot()})
			}
		}
	}()
}

// Stop ends the push loop and closes all clients.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		b.remove(conn)
	}
}
