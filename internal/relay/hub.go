package relay

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cardboardhrv/internal/constants"
)

// Hub groups relay connections into named rooms. A frame received from one
// connection is forwarded to every other connection in the same room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
	log   zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*client]struct{}),
		log:   log,
	}
}

func (h *Hub) join(room string, conn *websocket.Conn, ip string) *client {
	c := newClient(h, room, conn, ip)

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	n := len(members)
	h.mu.Unlock()

	h.log.Debug().Str("room", room).Str("ip", ip).Int("members", n).Msg("client joined")
	return c
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if ok {
		if _, present := members[c]; present {
			delete(members, c)
			c.close()
		}
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	h.mu.Unlock()
}

// broadcast forwards data to every member of the sender's room except the
// sender. Members that cannot keep up are disconnected. Queues are only
// closed under the write lock, so sending under the read lock is safe.
func (h *Hub) broadcast(from *client, data []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.rooms[from.room] {
		if c == from {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("room", c.room).Str("ip", c.ip).Msg("relay client too slow, disconnecting")
		h.leave(c)
	}
}

// Rooms returns the number of rooms with at least one member.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Clients returns the number of connected clients across all rooms.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, members := range h.rooms {
		n += len(members)
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		for c := range members {
			c.close()
		}
		delete(h.rooms, room)
	}
}

type client struct {
	hub  *Hub
	room string
	ip   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newClient(h *Hub, room string, conn *websocket.Conn, ip string) *client {
	return &client{
		hub:  h,
		room: room,
		ip:   ip,
		conn: conn,
		send: make(chan []byte, constants.ClientSendQueue),
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}
