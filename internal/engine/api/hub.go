package api

import (
	"context"
	"sync"
	"time"

	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

// Hub fans the engine status out to every connected WebSocket client on
// a fixed interval. Clients that cannot keep up are disconnected.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client

	status   func() types.EngineStatus
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	logger logging.Logger
}

func NewHub(status func() types.EngineStatus, interval time.Duration, logger logging.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		status:     status,
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Run dispatches registrations and the periodic broadcast. It returns
// when Shutdown is called.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case <-ticker.C:
			h.broadcastStatus()
		case <-h.ctx.Done():
			return
		}
	}
}

// add hands a client to the dispatch loop. It fails once the hub has
// shut down, so an upgrade racing a shutdown cannot hang.
func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// drop returns a client from its read loop. Safe to call after Shutdown.
func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	// Push a snapshot right away so a fresh client does not wait out the
	// first interval.
	select {
	case client.Send <- NewMessage(MessageTypeStatus, h.status()):
	default:
	}

	h.logger.Infof("Status client %s connected, total clients: %d", client.ID, total)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(client)
}

// dropLocked removes a client and signals its write pump. The Send
// channel itself is never closed, so late replies cannot panic.
func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.done)
	h.logger.Infof("Status client %s disconnected, %d remaining", client.ID, len(h.clients))
}

func (h *Hub) broadcastStatus() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) == 0 {
		return
	}

	message := NewMessage(MessageTypeStatus, h.status())
	for client := range h.clients {
		select {
		case client.Send <- message:
		default:
			h.logger.Warnf("Status client %s cannot keep up, dropping connection", client.ID)
			h.dropLocked(client)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops the dispatch loop and disconnects every client.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.dropLocked(client)
	}
}
