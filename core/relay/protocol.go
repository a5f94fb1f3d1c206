package relay

import (
	"encoding/json"
	"strings"

	"github.com/trezcool/proctor/core"
)

// Client-initiated events
const (
	JoinExam        = "join-exam"
	LeaveExam       = "leave-exam"
	JoinAttendance  = "join-attendance"
	LeaveAttendance = "leave-attendance"
	JoinUser        = "join-user"
	LeaveUser       = "leave-user"
)

// Server replies
const (
	RoomJoined = "room-joined"
	RoomLeft   = "room-left"
	ErrorEvent = "error"
)

// ClientMessage is a frame sent by a client connection.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomRequest struct {
	ExamID    string `json:"examId"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type (
	RoomReply struct {
		Room    string `json:"room"`
		Members int    `json:"members"`
	}

	ErrorReply struct {
		Message string `json:"message"`
	}
)

// Handle applies a client message for c. The reply is queued on c behind
// any event already queued, under the same lock as the membership change.
func (h *Hub) Handle(c *Conn, msg ClientMessage) {
	var req roomRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.reply(c, ErrorEvent, ErrorReply{Message: "invalid payload"})
			return
		}
	}

	var (
		room string
		join bool
	)
	switch msg.Event {
	case JoinExam, LeaveExam:
		if !c.Monitor {
			h.reply(c, ErrorEvent, ErrorReply{Message: "forbidden"})
			return
		}
		room, join = ExamRoom(core.CleanString(req.ExamID)), msg.Event == JoinExam
	case JoinAttendance, LeaveAttendance:
		if !c.Monitor {
			h.reply(c, ErrorEvent, ErrorReply{Message: "forbidden"})
			return
		}
		room, join = AttendanceRoom(core.CleanString(req.SessionID)), msg.Event == JoinAttendance
	case JoinUser, LeaveUser:
		userID := core.CleanString(req.UserID)
		if userID == "" {
			userID = c.UserID
		}
		if userID != c.UserID && !c.Admin {
			h.reply(c, ErrorEvent, ErrorReply{Message: "forbidden"})
			return
		}
		room, join = UserRoom(userID), msg.Event == JoinUser
	default:
		h.reply(c, ErrorEvent, ErrorReply{Message: "unknown event " + strings.TrimSpace(msg.Event)})
		return
	}

	if !ValidRoom(room) {
		h.reply(c, ErrorEvent, ErrorReply{Message: ErrInvalidRoom.Error()})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if join {
		members, err := h.join(c, room)
		if err != nil {
			return // disconnected meanwhile
		}
		h.send(c, Event{Event: RoomJoined, Room: room, Data: RoomReply{Room: room, Members: members}})
		return
	}
	members := h.leave(c, room)
	h.send(c, Event{Event: RoomLeft, Room: room, Data: RoomReply{Room: room, Members: members}})
}

func (h *Hub) reply(c *Conn, event string, data interface{}) {
	h.mu.Lock()
	h.send(c, Event{Event: event, Data: data})
	h.mu.Unlock()
}
