package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// outboundQueueSize bounds each connection's pending messages.
	outboundQueueSize = 1024

	heartbeatInterval = 30 * time.Second
	readTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
)

// allowedRoomPrefixes are the room namespaces a client may subscribe to.
// Authentication is the only gate: sensitive routing always targets the
// user:<id> room, which clients cannot subscribe away from.
var allowedRoomPrefixes = []string{"device:", "workflow:", "session:"}

// allowedBroadcastRooms are bare channel names open to any client.
var allowedBroadcastRooms = map[string]bool{
	"alerts":  true,
	"metrics": true,
	"devices": true,
}

// SubscribableRoom reports whether clients may subscribe to the named room.
func SubscribableRoom(room string) bool {
	if allowedBroadcastRooms[room] {
		return true
	}
	for _, prefix := range allowedRoomPrefixes {
		if strings.HasPrefix(room, prefix) && len(room) > len(prefix) {
			return true
		}
	}
	return false
}

// Hub is the connection registry and fan-out engine. Cross-connection
// operations only ever enqueue; each connection's writer goroutine owns its
// socket.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn            // connection id -> conn
	rooms map[string]map[string]*Conn // room -> connection id -> conn

	log  *zap.Logger
	done chan struct{}
	once sync.Once
}

// NewHub creates the hub and starts its heartbeat loop.
func NewHub(log *zap.Logger) *Hub {
	h := &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
		log:   log,
		done:  make(chan struct{}),
	}
	go h.heartbeatLoop()
	return h
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
	h.joinLocked(c, "user:"+c.Principal.ID)
	h.joinLocked(c, "session:"+c.ID)
}

func (h *Hub) joinLocked(c *Conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.ID] = c
	c.rooms[room] = true
}

// Subscribe adds a connection to a room after prefix validation.
func (h *Hub) Subscribe(c *Conn, room string) bool {
	if !SubscribableRoom(room) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(c, room)
	return true
}

// Unsubscribe removes a connection from a room. The implicit user and
// session rooms cannot be left.
func (h *Hub) Unsubscribe(c *Conn, room string) {
	if room == "user:"+c.Principal.ID || room == "session:"+c.ID {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// unregister releases all room memberships and drops the connection.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.conns, c.ID)
}

// Broadcast delivers a message to every member of a room.
func (h *Hub) Broadcast(room string, msg Message) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		h.deliver(c, msg)
	}
}

// SendToUser targets every connection of one principal.
func (h *Hub) SendToUser(userID string, msg Message) {
	msg.Metadata.UserID = userID
	h.Broadcast("user:"+userID, msg)
}

// SendToSession targets a single connection by its session id.
func (h *Hub) SendToSession(sessionID string, msg Message) {
	msg.Metadata.SessionID = sessionID
	h.Broadcast("session:"+sessionID, msg)
}

// BroadcastAll delivers to every live connection.
func (h *Hub) BroadcastAll(msg Message) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.deliver(c, msg)
	}
}

func (h *Hub) deliver(c *Conn, msg Message) {
	if !c.enqueue(msg) {
		h.log.Warn("closing connection on outbound overflow",
			zap.String("connID", c.ID),
			zap.String("user", c.Principal.Username))
		c.closeAsync()
	}
}

// ActiveConnections returns the current connection count.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// heartbeatLoop pushes the periodic server heartbeat to every connection.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			msg := NewMessage(TypeHeartbeat, map[string]any{
				"serverTime":        time.Now().UTC().Format(time.RFC3339),
				"activeConnections": h.ActiveConnections(),
				"systemStatus":      "ok",
			})
			msg.Metadata.Priority = PriorityLow
			h.BroadcastAll(msg)
		case <-h.done:
			return
		}
	}
}

// Shutdown closes every connection with a final disconnected frame and
// stops the heartbeat loop.
func (h *Hub) Shutdown(ctx context.Context) {
	h.once.Do(func() { close(h.done) })

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.sendClose(NewMessage(TypeConnectionStatus, map[string]any{
			"status": "disconnected",
			"reason": "server shutting down",
		}))
	}

	// Give writers a moment to flush the final frame.
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
	case <-deadline.C:
	}
	for _, c := range conns {
		c.closeAsync()
	}
}
