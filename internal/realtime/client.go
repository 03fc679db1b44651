package realtime

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sync-service/internal/party"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 256
)

// Close codes sent when a connection is refused.
const (
	CloseServerError     = 4000
	CloseUnauthenticated = 4001
	CloseForbidden       = 4003
	CloseBanned          = 4004
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Client is one live socket bound to a party and a user.
// Only writePump writes data frames; everyone else goes through enqueue.
type Client struct {
	id       string
	partyID  string
	user     party.User
	isHost   atomic.Bool
	joinedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	closeOnce     sync.Once
}

func newClient(conn *websocket.Conn, partyID string, now time.Time) *Client {
	c := &Client{
		id:       uuid.NewString(),
		partyID:  partyID,
		joinedAt: now,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

func (c *Client) ID() string { return c.id }
func (c *Client) IsHost() bool { return c.isHost.Load() }
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }
func (c *Client) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *Client) touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// enqueue never blocks. It reports false when the queue is full or the
// connection is shutting down.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeWith sends a close frame with code and stops the write pump. Safe to
// call more than once; only the first code is sent.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		if c.State() != StateClosed {
			c.setState(StateClosing)
		}
		if c.conn != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		close(c.done)
	})
}

// reject ends a connection that never became active.
func (c *Client) reject(code int, reason string) {
	c.closeWith(code, reason)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.setState(StateClosed)
}

// readPump feeds frames to handle one at a time, which keeps a sender's
// events in order. onClose runs when the socket is gone.
func (c *Client) readPump(handle func(*Client, []byte), onClose func(*Client)) {
	defer onClose(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("sync-service: read error on %s: %v", c.id, err)
			}
			return
		}
		handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) sender() *party.User {
	u := c.user
	return &u
}
