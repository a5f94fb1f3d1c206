// Package relay is the process-wide room broker fanning events out to connected clients.
package relay

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/metrics"
)

const DefaultQueueSize = 64

var (
	// errors
	ErrNotConnected = errors.New("connection is not registered")
	ErrInvalidRoom  = errors.New("invalid room name")
)

// Room families
const (
	examPrefix       = "exam."
	attendancePrefix = "attendance."
	userPrefix       = "user."
)

func ExamRoom(examID string) string          { return examPrefix + examID }
func AttendanceRoom(sessionID string) string { return attendancePrefix + sessionID }
func UserRoom(userID string) string          { return userPrefix + userID }

// ValidRoom reports whether name belongs to a known room family with a well-formed id.
func ValidRoom(name string) bool {
	for _, prefix := range []string{examPrefix, attendancePrefix, userPrefix} {
		if strings.HasPrefix(name, prefix) {
			return core.IsIdentifier(strings.TrimPrefix(name, prefix))
		}
	}
	return false
}

// Authorize checks a bearer Authorization header against the shared server-to-server secret.
// An empty secret authorizes nothing.
func Authorize(secret, header string) bool {
	if secret == "" {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// Event is what subscribers receive.
type Event struct {
	Event string      `json:"event"`
	Room  string      `json:"room,omitempty"`
	Data  interface{} `json:"data"`
}

// Identity is what a connection is allowed to do.
type Identity struct {
	UserID string
	// Monitor allows joining exam and attendance rooms.
	Monitor bool
	// Admin allows joining any user room.
	Admin bool
}

// Conn is a client connection registered with a Hub.
type Conn struct {
	ID string
	Identity

	out    chan Event
	closed bool // guarded by Hub.mu
}

// Events streams what the hub delivers to c. It is closed on Disconnect.
func (c *Conn) Events() <-chan Event { return c.out }

// Hub owns room membership. Every mutation happens under one lock, so a
// disconnect sweep can never interleave with a join of the same connection.
type Hub struct {
	queueSize int
	logger    core.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	rooms map[string]map[*Conn]struct{}
}

func NewHub(queueSize int, logger core.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		conns:     make(map[*Conn]struct{}),
		rooms:     make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) Connect(id Identity) *Conn {
	c := &Conn{
		ID:       uuid.NewString(),
		Identity: id,
		out:      make(chan Event, h.queueSize),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	metrics.RelayConnections.Set(float64(len(h.conns)))
	h.mu.Unlock()
	return c
}

// Join adds c to room and returns the member count. Joining twice is a no-op.
func (h *Hub) Join(c *Conn, room string) (int, error) {
	if !ValidRoom(room) {
		return 0, ErrInvalidRoom
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.join(c, room)
}

func (h *Hub) join(c *Conn, room string) (int, error) {
	if _, ok := h.conns[c]; !ok {
		return 0, ErrNotConnected
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
		metrics.RelayRooms.Set(float64(len(h.rooms)))
	}
	members[c] = struct{}{}
	return len(members), nil
}

// Leave removes c from room and deletes the room once empty. It returns the remaining member count.
func (h *Hub) Leave(c *Conn, room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leave(c, room)
}

func (h *Hub) leave(c *Conn, room string) int {
	members, ok := h.rooms[room]
	if !ok {
		return 0
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		metrics.RelayRooms.Set(float64(len(h.rooms)))
	}
	return len(members)
}

// Disconnect removes c from every room in one sweep and closes its event stream.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return
	}
	for room := range h.rooms {
		h.leave(c, room)
	}
	delete(h.conns, c)
	c.closed = true
	close(c.out)
	metrics.RelayConnections.Set(float64(len(h.conns)))
}

// Broadcast delivers an event to every member of room, or to every connection when room is empty.
// Events are queued in publish order; a connection whose queue is full misses the event.
// It returns the number of connections the event was queued to.
func (h *Hub) Broadcast(room, event string, data interface{}) int {
	ev := Event{Event: event, Room: room, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.conns
	if room != "" {
		targets = h.rooms[room]
	}
	var delivered int
	for c := range targets {
		if h.send(c, ev) {
			delivered++
		}
	}
	return delivered
}

// Publish is Broadcast for in-process publishers.
func (h *Hub) Publish(_ context.Context, room, event string, data interface{}) error {
	h.Broadcast(room, event, data)
	return nil
}

// send queues ev to c without blocking. h.mu must be held.
func (h *Hub) send(c *Conn, ev Event) bool {
	if c.closed {
		return false
	}
	select {
	case c.out <- ev:
		metrics.RelayDelivered.Inc()
		return true
	default:
		metrics.RelayDropped.Inc()
		if h.logger != nil {
			h.logger.Warn(fmt.Sprintf("relay: queue of connection %s full, dropping %q", c.ID, ev.Event))
		}
		return false
	}
}

func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Members returns the member count of room; zero when the room does not exist.
func (h *Hub) Members(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Rooms lists the existing rooms, sorted.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
