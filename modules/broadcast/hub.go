package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
)

// Socket event names written to clients.
const (
	EventMessage      = "message"
	EventNotification = "notification"
	EventRoomUpdate   = "room_update"
	EventError        = "error"
)

// Frame is the envelope of every socket frame.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one socket connection of an authenticated user.
type Client struct {
	ID     string
	UserID string
	Conn   Conn

	writeMu sync.Mutex
	rooms   map[string]bool // guarded by Hub.mu
}

// NewClient creates a client for conn.
func NewClient(id, userID string, conn Conn) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Conn:   conn,
		rooms:  make(map[string]bool),
	}
}

// Send writes one frame. Writes from the hub and the connection's own
// reader are serialized.
func (c *Client) Send(event string, data any) error {
	payload, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, payload)
}

type delivery struct {
	roomID  string
	userIDs []string
	exclude string
	payload []byte
}

// Hub tracks connections, their room subscriptions and their users, and
// delivers frames from a single loop.
type Hub struct {
	clients map[string]*Client         // clientID -> Client
	rooms   map[string]map[string]bool // roomID -> clientIDs
	users   map[string]map[string]bool // userID -> clientIDs
	queue   chan *delivery
	done    chan struct{}
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]bool),
		users:   make(map[string]map[string]bool),
		queue:   make(chan *delivery, 256),
		done:    make(chan struct{}),
	}
}

// Run delivers queued frames until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("[hub] Shutting down...")
			h.closeAllClients()
			close(h.done)
			return
		case d := <-h.queue:
			h.deliver(d)
		}
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.done
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		_ = client.Conn.Close()
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]bool)
	h.users = make(map[string]map[string]bool)
}

func (h *Hub) deliver(d *delivery) {
	h.mu.RLock()
	targets := make(map[string]*Client)
	if d.roomID != "" {
		for id := range h.rooms[d.roomID] {
			targets[id] = h.clients[id]
		}
	}
	for _, userID := range d.userIDs {
		for id := range h.users[userID] {
			targets[id] = h.clients[id]
		}
	}
	h.mu.RUnlock()

	for id, client := range targets {
		if id == d.exclude || client == nil {
			continue
		}
		if err := client.write(d.payload); err != nil {
			log.Printf("[hub] Failed to send to client %s: %v", client.ID, err)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.rooms == nil {
		client.rooms = make(map[string]bool)
	}
	h.clients[client.ID] = client
	addTo(h.users, client.UserID, client.ID)
	log.Printf("[hub] Client %s (user %s) registered", client.ID, client.UserID)
}

// Unregister removes a client and all its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	removeFrom(h.users, client.UserID, client.ID)
	for roomID := range client.rooms {
		removeFrom(h.rooms, roomID, client.ID)
	}
	client.rooms = make(map[string]bool)
	log.Printf("[hub] Client %s (user %s) unregistered", client.ID, client.UserID)
}

// Subscribe adds a registered client to roomIDs.
func (h *Hub) Subscribe(clientID string, roomIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	for _, roomID := range roomIDs {
		h.subscribe(client, roomID)
	}
}

func (h *Hub) subscribe(client *Client, roomID string) {
	if roomID == "" || client.rooms[roomID] {
		return
	}
	client.rooms[roomID] = true
	addTo(h.rooms, roomID, client.ID)
}

// Unsubscribe removes a client from roomID.
func (h *Hub) Unsubscribe(clientID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[clientID]
	if !ok {
		return
	}
	h.unsubscribe(client, roomID)
}

func (h *Hub) unsubscribe(client *Client, roomID string) {
	if !client.rooms[roomID] {
		return
	}
	delete(client.rooms, roomID)
	removeFrom(h.rooms, roomID, client.ID)
}

// SubscribeUsers subscribes every connection of userIDs to roomID.
func (h *Hub) SubscribeUsers(roomID string, userIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, userID := range userIDs {
		for clientID := range h.users[userID] {
			h.subscribe(h.clients[clientID], roomID)
		}
	}
}

// Retain drops roomID subscriptions of connections whose user is not in
// memberIDs.
func (h *Hub) Retain(roomID string, memberIDs []string) {
	members := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for clientID := range h.rooms[roomID] {
		client := h.clients[clientID]
		if client != nil && !members[client.UserID] {
			h.unsubscribe(client, roomID)
		}
	}
}

// Broadcast queues a frame for every connection subscribed to roomID
// except excludeClientID.
func (h *Hub) Broadcast(roomID, event string, data any, excludeClientID string) {
	payload, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		log.Printf("[hub] Failed to marshal %s frame: %v", event, err)
		return
	}
	h.enqueue(&delivery{roomID: roomID, exclude: excludeClientID, payload: payload})
}

// SendToUsers queues a frame for every connection of userIDs.
func (h *Hub) SendToUsers(userIDs []string, event string, data any) {
	if len(userIDs) == 0 {
		return
	}
	payload, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		log.Printf("[hub] Failed to marshal %s frame: %v", event, err)
		return
	}
	h.enqueue(&delivery{userIDs: userIDs, payload: payload})
}

// enqueue hands d to the delivery loop. Frames queued after the hub
// stopped are dropped.
func (h *Hub) enqueue(d *delivery) {
	select {
	case h.queue <- d:
	case <-h.done:
	}
}

// GetClient returns a client by ID.
func (h *Hub) GetClient(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomClientCount returns the number of connections subscribed to roomID.
func (h *Hub) RoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// UserCount returns the number of distinct connected users.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

func addTo(index map[string]map[string]bool, key, id string) {
	if key == "" {
		return
	}
	if index[key] == nil {
		index[key] = make(map[string]bool)
	}
	index[key][id] = true
}

func removeFrom(index map[string]map[string]bool, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
