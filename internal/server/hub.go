package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/sevir/agentrelay/internal/relay"
	"github.com/sevir/agentrelay/pkg/models"
)

// ErrNoConsumer is returned by Deliver when no connected client listens on
// the chunk's channel.
var ErrNoConsumer = errors.New("no consumer connected for channel")

const clientBuffer = 256

// Frame is one message pushed to a streaming client.
type Frame struct {
	Type     string          `json:"type"`
	Event    json.RawMessage `json:"event,omitempty"`
	Chunk    *relay.Chunk    `json:"chunk,omitempty"`
	Command  string          `json:"command,omitempty"`
	Success  *bool           `json:"success,omitempty"`
	Error    string          `json:"error,omitempty"`
	Data     any             `json:"data,omitempty"`
	Sequence uint64          `json:"seq,omitempty"`
}

type client struct {
	channel string
	chunks  bool
	events  bool
	send    chan Frame
}

// wants reports whether the client should receive chunks for channel. An
// empty client channel receives every chunk.
func (c *client) wants(channel string) bool {
	return c.chunks && (c.channel == "" || c.channel == channel)
}

// Hub fans agent events and delivered chunks out to SSE and WebSocket
// clients. It implements the orchestrator's Deliverer.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	maxChunk int
	seq      uint64
	logger   *log.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub that splits delivered text into maxChunk rune pieces.
func NewHub(maxChunk int, logger *log.Logger) *Hub {
	if maxChunk <= 0 {
		maxChunk = relay.DefaultMaxChunk
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		clients:  make(map[*client]struct{}),
		maxChunk: maxChunk,
		logger:   logger.WithPrefix("hub"),
		done:     make(chan struct{}),
	}
}

// register adds a client. chunks and events select what is pushed to it;
// channel filters chunks.
func (h *Hub) register(channel string, chunks, events bool) (*client, func()) {
	c := &client{channel: channel, chunks: chunks, events: events, send: make(chan Frame, clientBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
		})
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Done is closed when the hub shuts down.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Close disconnects all streaming clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Publish pushes a raw agent event to every client that asked for events.
func (h *Hub) Publish(_ context.Context, ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	f := Frame{Type: "event", Event: ev.Raw, Sequence: h.seq}
	for c := range h.clients {
		if c.events {
			h.push(c, f)
		}
	}
}

// Deliver splits the chunk text and pushes the pieces to the clients
// listening on its channel. Only the last piece keeps the Final flag.
func (h *Hub) Deliver(_ context.Context, chunk relay.Chunk) error {
	pieces := relay.SplitMessage(chunk.Text, h.maxChunk)
	if len(pieces) == 0 {
		if !chunk.Final {
			return nil
		}
		pieces = []string{""}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []*client
	for c := range h.clients {
		if c.wants(chunk.Channel) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return ErrNoConsumer
	}

	for i, text := range pieces {
		piece := chunk
		piece.Text = text
		piece.Final = chunk.Final && i == len(pieces)-1

		h.seq++
		f := Frame{Type: "chunk", Chunk: &piece, Sequence: h.seq}
		for _, c := range targets {
			h.push(c, f)
		}
	}
	return nil
}

// reply queues a frame for a single client.
func (h *Hub) reply(c *client, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(c, f)
}

// push must be called with h.mu held. Slow clients lose frames rather than
// stall the agent read loop.
func (h *Hub) push(c *client, f Frame) {
	select {
	case c.send <- f:
	default:
		h.logger.Warn("client buffer full, dropping frame", "channel", c.channel, "type", f.Type)
	}
}
