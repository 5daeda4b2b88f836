package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/tandem/internal/codec"
	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/protocol"
	"github.com/manpreetbhatti/tandem/internal/ratelimit"
	"github.com/manpreetbhatti/tandem/internal/room"
)

// RelaySender is the envelope sender of messages the hub itself produces.
const RelaySender = "relay"

// Hub routes relay frames between subscribers of the same topic and keeps a
// retained copy of each room's document.
type Hub struct {
	// Registered clients and their topics
	clients map[*Client]map[string]bool

	// Subscribers by topic
	topics map[string]map[*Client]bool

	// Inbound publishes from clients
	broadcast chan *Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Topic subscription changes
	subscribe chan subscription

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	roomsMu sync.Mutex
	rooms   map[string]*room.Room

	store    db.Store
	limiters *ratelimit.ClientLimiters
	logger   zerolog.Logger
}

// Message is one frame to fan out to a topic.
type Message struct {
	Topic  string
	Data   []byte
	Sender *Client
}

type subscription struct {
	client  *Client
	topic   string
	remove  bool
	welcome []byte
}

// NewHub returns a hub that persists document updates to store. A nil store
// keeps rooms in memory only.
func NewHub(store db.Store, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]map[string]bool),
		topics:     make(map[string]map[*Client]bool),
		broadcast:  make(chan *Message),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		done:       make(chan struct{}),
		rooms:      make(map[string]*room.Room),
		store:      store,
		limiters:   ratelimit.NewClientLimiters(messagesPerSecond, messageBurst),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run serves hub requests until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.limiters.Stop()
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = make(map[string]bool)
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client", client.id).Int("total", total).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			remaining := len(h.clients)
			h.mu.Unlock()
			h.limiters.Remove(client.id)
			h.logger.Info().Str("client", client.id).Int("remaining", remaining).Msg("client disconnected")
			h.leaveAll(client)

		case sub := <-h.subscribe:
			h.mu.Lock()
			if sub.remove {
				h.unsubscribeLocked(sub.client, sub.topic)
			} else {
				h.subscribeLocked(sub)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			h.fanOutLocked(message)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) subscribeLocked(sub subscription) {
	topics, ok := h.clients[sub.client]
	if !ok {
		return
	}
	topics[sub.topic] = true
	if _, ok := h.topics[sub.topic]; !ok {
		h.topics[sub.topic] = make(map[*Client]bool)
	}
	h.topics[sub.topic][sub.client] = true
	if roomID, cursors, _ := protocol.ParseTopic(sub.topic); !cursors {
		h.logger.Info().Str("room", roomID).Int("total", len(h.topics[sub.topic])).Msg("client joined room")
	}

	if sub.welcome != nil {
		select {
		case sub.client.send <- sub.welcome:
		default:
			h.dropLocked(sub.client)
		}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topic string) {
	if topics, ok := h.clients[client]; ok {
		delete(topics, topic)
	}
	clients, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		return
	}
	delete(h.topics, topic)
	if roomID, cursors, ok := protocol.ParseTopic(topic); ok && !cursors {
		h.logger.Info().Str("room", roomID).Msg("room closed (empty)")
		if h.store != nil {
			h.Forget(roomID)
		}
	}
}

// dropLocked removes a client from every topic and closes its send queue.
func (h *Hub) dropLocked(client *Client) {
	topics, ok := h.clients[client]
	if !ok {
		return
	}
	for topic := range topics {
		h.unsubscribeLocked(client, topic)
	}
	delete(h.clients, client)
	close(client.send)
}

func (h *Hub) fanOutLocked(message *Message) {
	for client := range h.topics[message.Topic] {
		if client == message.Sender {
			continue
		}
		select {
		case client.send <- message.Data:
		default:
			h.logger.Warn().Str("client", client.id).Msg("dropping slow client")
			h.dropLocked(client)
		}
	}
}

// leaveAll announces LEAVE for every user the client joined and never left.
func (h *Hub) leaveAll(client *Client) {
	for userID, roomID := range client.users {
		payload, err := protocol.Leave(userID)
		if err != nil {
			continue
		}
		data, err := msgFrame(protocol.DocumentTopic(roomID), payload)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.fanOutLocked(&Message{Topic: protocol.DocumentTopic(roomID), Data: data})
		h.mu.Unlock()
		h.logger.Info().Str("room", roomID).Str("user", userID).Msg("announced leave for dropped client")
	}
}

// Document returns the retained room, loading it from the store on first
// use.
func (h *Hub) Document(ctx context.Context, roomID string) (*room.Room, error) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r, nil
	}

	r := room.New(roomID)
	if h.store != nil {
		snapshot, _, err := h.store.GetSnapshot(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %s: %w", roomID, err)
		}
		stored, err := h.store.GetAllUpdates(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("load updates for %s: %w", roomID, err)
		}
		frames := make([][]byte, len(stored))
		for i, u := range stored {
			frames[i] = u.Data
		}
		skipped, err := r.Load(snapshot, frames)
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			h.logger.Warn().Str("room", roomID).Int("skipped", skipped).Msg("stored updates failed to load")
		}
		h.logger.Info().Str("room", roomID).Int("updates", len(stored)).Int("runes", r.Len()).Msg("room opened")
	}
	h.rooms[roomID] = r
	return r, nil
}

// Forget drops the retained copy of a room.
func (h *Hub) Forget(roomID string) {
	h.roomsMu.Lock()
	delete(h.rooms, roomID)
	h.roomsMu.Unlock()
}

// persist stores an update frame that the retained room accepted.
func (h *Hub) persist(ctx context.Context, roomID string, frame []byte) error {
	if h.store == nil {
		return nil
	}
	return h.store.SaveUpdate(ctx, roomID, frame)
}

// welcome builds the full-state CODE_UPDATE sent to a new document
// subscriber, or nil when the room is empty.
func (h *Hub) welcome(ctx context.Context, roomID string) ([]byte, error) {
	r, err := h.Document(ctx, roomID)
	if err != nil {
		return nil, err
	}
	state, err := r.FullState()
	if err != nil || state == nil {
		return nil, err
	}
	payload, err := protocol.CodeUpdate(RelaySender, codec.EncodeText(state))
	if err != nil {
		return nil, err
	}
	return msgFrame(protocol.DocumentTopic(roomID), payload)
}

func msgFrame(topic, payload string) ([]byte, error) {
	return json.Marshal(protocol.RelayFrame{Op: protocol.RelayOpMessage, Topic: topic, Payload: payload})
}

// GetRoomCount returns the number of rooms with at least one document
// subscriber.
func (h *Hub) GetRoomCount() int {
	return len(h.GetActiveRooms())
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms maps room id to its number of document subscribers.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	active := make(map[string]int)
	for topic, clients := range h.topics {
		if roomID, cursors, ok := protocol.ParseTopic(topic); ok && !cursors {
			active[roomID] = len(clients)
		}
	}
	return active
}
