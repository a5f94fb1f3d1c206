// Package relayclient joins relay rooms over WebSocket and streams their events.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/relay"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

var ErrClosed = errors.New("relay client is closed")

// Client is one relay connection. Close leaves every joined room before disconnecting.
type Client struct {
	conn   *websocket.Conn
	logger core.Logger
	events chan relay.Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	rooms  map[string]relay.ClientMessage // room -> leave message
	closed bool
}

// Dial connects to the relay's WebSocket endpoint (ws://host/ws) with a user JWT.
func Dial(ctx context.Context, endpoint, token string, logger core.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parsing relay url")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dialing relay")
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		logger: logger,
		events: make(chan relay.Event, eventBuffer),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		rooms:  make(map[string]relay.ClientMessage),
	}
	go c.read()
	return c, nil
}

// Events streams every event received, room replies included. It is closed when the connection ends.
func (c *Client) Events() <-chan relay.Event { return c.events }

func (c *Client) JoinExam(ctx context.Context, examID string) error {
	return c.join(ctx, relay.ExamRoom(examID),
		message(relay.JoinExam, "examId", examID), message(relay.LeaveExam, "examId", examID))
}

func (c *Client) JoinAttendance(ctx context.Context, sessionID string) error {
	return c.join(ctx, relay.AttendanceRoom(sessionID),
		message(relay.JoinAttendance, "sessionId", sessionID), message(relay.LeaveAttendance, "sessionId", sessionID))
}

func (c *Client) JoinUser(ctx context.Context, userID string) error {
	return c.join(ctx, relay.UserRoom(userID),
		message(relay.JoinUser, "userId", userID), message(relay.LeaveUser, "userId", userID))
}

// Leave leaves room if it was joined through c.
func (c *Client) Leave(ctx context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	msg, ok := c.rooms[room]
	if !ok {
		return nil
	}
	delete(c.rooms, room)
	return c.write(ctx, msg)
}

func (c *Client) join(ctx context.Context, room string, join, leave relay.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.write(ctx, join); err != nil {
		return err
	}
	c.rooms[room] = leave
	return nil
}

func (c *Client) write(ctx context.Context, msg relay.ClientMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return errors.Wrapf(wsjson.Write(ctx, c.conn, msg), "sending %s", msg.Event)
}

func (c *Client) read() {
	defer close(c.done)
	defer close(c.events)
	for {
		var ev relay.Event
		if err := wsjson.Read(c.ctx, c.conn, &ev); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && c.ctx.Err() == nil {
				c.logger.Warn(fmt.Sprintf("relay connection lost: %v", err))
			}
			return
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// Close leaves every room, then closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for room, msg := range c.rooms {
		if err := c.write(context.Background(), msg); err != nil {
			c.logger.Warn(fmt.Sprintf("leaving %s: %v", room, err))
		}
	}
	c.rooms = nil
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	<-c.done
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return errors.Wrap(err, "closing relay connection")
	}
	return nil
}

func message(event, field, id string) relay.ClientMessage {
	data, _ := json.Marshal(map[string]string{field: id})
	return relay.ClientMessage{Event: event, Data: data}
}
