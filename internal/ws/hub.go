package ws

import (
	"context"
	"fmt"
	"log"
	"sync"

	"petwatch/internal/pipeline"
)

// client is one connected UI. pending holds at most one message: a newer
// publication replaces an unsent one.
type client struct {
	pending chan []byte
	done    chan struct{}
	once    sync.Once
}

func newClient() *client {
	return &client{pending: make(chan []byte, 1), done: make(chan struct{})}
}

// offer stores msg as the next message, replacing any unsent one
func (c *client) offer(msg []byte) (replaced bool) {
	for {
		select {
		case c.pending <- msg:
			return replaced
		default:
		}
		select {
		case <-c.pending:
			replaced = true
		default:
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans publications out to websocket clients with latest-wins delivery
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	latest     []byte
	latestPub  *pipeline.Publication
	superseded uint64
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	latest := h.latest
	total := len(h.clients)
	h.mu.Unlock()

	if latest != nil {
		c.offer(latest)
	}
	log.Printf("[WS] Client registered (total: %d)", total)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// OnPublication implements pipeline.SnapshotConsumer. It never blocks on
// a client: each gets the newest message when its writer is ready.
func (h *Hub) OnPublication(ctx context.Context, pub *pipeline.Publication) error {
	data, err := EncodePublication(pub)
	if err != nil {
		return fmt.Errorf("failed to marshal publication: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = data
	h.latestPub = pub
	for c := range h.clients {
		if c.offer(data) {
			h.superseded++
		}
	}
	return nil
}

// Latest returns the most recent publication, or nil before the first
func (h *Hub) Latest() *pipeline.Publication {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latestPub
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Superseded returns how many queued messages were replaced by newer ones
func (h *Hub) Superseded() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.superseded
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

var _ pipeline.SnapshotConsumer = (*Hub)(nil)
