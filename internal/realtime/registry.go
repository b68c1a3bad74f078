package realtime

import (
	"sort"
	"sync"
	"time"
)

const defaultOutboundBuffer = 64

// Connection is one live session of a user device. Outbound frames go
// through a bounded queue; a full queue drops the frame.
type Connection struct {
	ID       string
	UserID   string
	DeviceID string
	Role     string
	Projects []string

	mu       sync.Mutex
	out      chan []byte
	closed   bool
	rooms    map[string]bool
	lastSeen time.Time
}

func newConnection(id string, session Session, buffer int, now time.Time) *Connection {
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	return &Connection{
		ID:       id,
		UserID:   session.UserID,
		DeviceID: session.DeviceID,
		Role:     session.Role,
		Projects: append([]string(nil), session.ProjectIDs...),
		out:      make(chan []byte, buffer),
		rooms:    make(map[string]bool),
		lastSeen: now,
	}
}

// Outbound exposes the frames queued for the transport writer. The channel
// closes when the connection is removed.
func (c *Connection) Outbound() <-chan []byte {
	return c.out
}

// Send queues a frame without blocking. It reports false when the frame was dropped.
func (c *Connection) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Rooms lists the rooms the connection has joined, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// LastSeen returns the last inbound activity time.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// Registry is the process-local index of connections and room membership.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]map[string]*Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
	}
}

func (r *Registry) add(conn *Connection) {
	r.mu.Lock()
	r.connections[conn.ID] = conn
	r.mu.Unlock()
}

// Join adds the connection to a room.
func (r *Registry) Join(conn *Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[conn.ID]; !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}
	members[conn.ID] = conn
	conn.mu.Lock()
	conn.rooms[room] = true
	conn.mu.Unlock()
}

// Leave removes the connection from a room.
func (r *Registry) Leave(conn *Connection, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conn, room)
}

func (r *Registry) leaveLocked(conn *Connection, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, conn.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	conn.mu.Lock()
	delete(conn.rooms, room)
	conn.mu.Unlock()
}

// Remove drops the connection from every room, closes its outbound queue,
// and reports how many connections the user still has in this process.
func (r *Registry) Remove(conn *Connection) int {
	r.mu.Lock()
	for _, room := range conn.Rooms() {
		r.leaveLocked(conn, room)
	}
	delete(r.connections, conn.ID)
	remaining := r.countForUserLocked(conn.UserID)
	r.mu.Unlock()
	conn.close()
	return remaining
}

// CountForUser reports the user's live connections.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countForUserLocked(userID)
}

func (r *Registry) countForUserLocked(userID string) int {
	count := 0
	for _, conn := range r.connections {
		if conn.UserID == userID {
			count++
		}
	}
	return count
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Members returns the connections of a room.
func (r *Registry) Members(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]*Connection, 0, len(r.rooms[room]))
	for _, conn := range r.rooms[room] {
		members = append(members, conn)
	}
	return members
}

// Deliver sends the frame once to every connection in any of the rooms,
// skipping the excluded device. It returns delivered and dropped counts.
func (r *Registry) Deliver(message Broadcast, frame []byte) (int, int) {
	r.mu.RLock()
	targets := make(map[string]*Connection)
	for _, room := range message.Rooms {
		for id, conn := range r.rooms[room] {
			if message.excludes(conn) {
				continue
			}
			targets[id] = conn
		}
	}
	r.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, conn := range targets {
		if conn.Send(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
