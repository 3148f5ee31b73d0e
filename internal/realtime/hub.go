// Package realtime fans thread events out to live connections on this node and across nodes.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/observability"
)

const defaultSendBuffer = 32

// Client is one live connection's subscription handle. Events are queued on a
// bounded buffer; a client that falls behind is dropped rather than slowing others.
type Client struct {
	id     string
	userID uint
	send   chan Event
	done   chan struct{}
	once   sync.Once
	hub    *Hub
}

// ID identifies the connection.
func (c *Client) ID() string { return c.id }

// UserID is the authenticated user behind the connection.
func (c *Client) UserID() uint { return c.userID }

// Events yields queued events.
func (c *Client) Events() <-chan Event { return c.send }

// Done is closed once the client has been dropped or closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close unsubscribes the client from every thread.
func (c *Client) Close() []uint {
	var threads []uint
	c.once.Do(func() {
		close(c.done)
		threads = c.hub.UnsubscribeAll(c)
	})
	return threads
}

type relayEnvelope struct {
	Source  string    `json:"source"`
	Event   Event     `json:"event"`
	Exclude []uint    `json:"exclude,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Hub tracks which clients follow which threads and delivers events to them.
type Hub struct {
	mu         sync.RWMutex
	threads    map[uint]map[*Client]struct{}
	clients    map[*Client]map[uint]struct{}
	bufferSize int
	relay      Relay
	nodeID     string
	log        zerolog.Logger
}

// NewHub creates a hub. A nil relay keeps delivery local to this node.
func NewHub(bufferSize int, relay Relay, logger zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &Hub{
		threads:    make(map[uint]map[*Client]struct{}),
		clients:    make(map[*Client]map[uint]struct{}),
		bufferSize: bufferSize,
		relay:      relay,
		nodeID:     uuid.NewString(),
		log:        logger.With().Str("component", "chat_hub").Logger(),
	}
}

// NodeID identifies this hub on the relay.
func (h *Hub) NodeID() string { return h.nodeID }

// NewClient allocates a client handle for a connection.
func (h *Hub) NewClient(userID uint) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan Event, h.bufferSize),
		done:   make(chan struct{}),
		hub:    h,
	}
}

// Subscribe adds the client to a thread's subscriber set. Callers check access first.
func (h *Hub) Subscribe(client *Client, threadID uint) {
	select {
	case <-client.done:
		return
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.threads[threadID]; !ok {
		h.threads[threadID] = make(map[*Client]struct{})
	}
	h.threads[threadID][client] = struct{}{}
	if _, ok := h.clients[client]; !ok {
		h.clients[client] = make(map[uint]struct{})
	}
	h.clients[client][threadID] = struct{}{}
	h.log.Debug().Uint("thread_id", threadID).Uint("user_id", client.userID).Msg("chat client subscribed")
}

// Unsubscribe removes the client from one thread.
func (h *Hub) Unsubscribe(client *Client, threadID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client, threadID)
}

// UnsubscribeAll removes the client everywhere and returns the threads it followed.
func (h *Hub) UnsubscribeAll(client *Client) []uint {
	h.mu.Lock()
	defer h.mu.Unlock()

	followed := h.clients[client]
	threads := make([]uint, 0, len(followed))
	for threadID := range followed {
		threads = append(threads, threadID)
	}
	for _, threadID := range threads {
		h.removeLocked(client, threadID)
	}
	delete(h.clients, client)
	return threads
}

func (h *Hub) removeLocked(client *Client, threadID uint) {
	if subscribers, ok := h.threads[threadID]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.threads, threadID)
		}
	}
	if followed, ok := h.clients[client]; ok {
		delete(followed, threadID)
		if len(followed) == 0 {
			delete(h.clients, client)
		}
	}
}

// UnsubscribeUser detaches every local connection of a user from a thread.
func (h *Hub) UnsubscribeUser(threadID, userID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.threads[threadID] {
		if client.userID == userID {
			h.removeLocked(client, threadID)
		}
	}
}

// CloseThread detaches every local connection from a thread.
func (h *Hub) CloseThread(threadID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.threads[threadID] {
		h.removeLocked(client, threadID)
	}
}

// SubscriberCount reports how many local clients follow a thread.
func (h *Hub) SubscriberCount(threadID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.threads[threadID])
}

// Publish delivers the event locally and forwards it to other nodes. Relay
// failures are logged and never fail the caller.
func (h *Hub) Publish(ctx context.Context, event Event) {
	h.Deliver(event)

	if h.relay == nil {
		return
	}
	payload, err := json.Marshal(relayEnvelope{Source: h.nodeID, Event: event, Exclude: event.Exclude, SentAt: time.Now().UTC()})
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to encode relay event")
		return
	}
	if err := h.relay.Publish(ctx, payload); err != nil {
		h.log.Warn().Err(err).Str("relay", h.relay.Name()).Msg("failed to publish chat event")
		return
	}
	observability.ChatRelayEvents().WithLabelValues(h.relay.Name(), "out").Inc()
}

// Deliver fans the event out to local subscribers and returns how many received it.
func (h *Hub) Deliver(event Event) int {
	var slow []*Client
	delivered := 0

	h.mu.RLock()
	for client := range h.threads[event.ThreadID] {
		if event.excludes(client.userID) {
			continue
		}
		if event.selfSuppressed() && client.userID == event.ActorID {
			continue
		}
		select {
		case client.send <- event:
			delivered++
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn().Uint("thread_id", event.ThreadID).Uint("user_id", client.userID).Msg("dropping slow chat client")
		observability.ChatBroadcastDropped().Inc()
		client.Close()
	}
	return delivered
}

// Start consumes relay traffic from other nodes until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	if h.relay == nil {
		return
	}
	go func() {
		if err := h.relay.Consume(ctx, h.handleRelay); err != nil {
			h.log.Error().Err(err).Str("relay", h.relay.Name()).Msg("chat relay consumer stopped")
		}
	}()
}

func (h *Hub) handleRelay(data []byte) {
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.log.Warn().Err(err).Msg("invalid chat relay event")
		return
	}
	if envelope.Source == h.nodeID {
		return
	}
	envelope.Event.Exclude = envelope.Exclude
	observability.ChatRelayEvents().WithLabelValues(h.relay.Name(), "in").Inc()
	h.Deliver(envelope.Event)
}
