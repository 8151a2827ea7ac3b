package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timed out")
)

// Purpose selects which handler a connection is routed to.
type Purpose string

const (
	PurposeDocument Purpose = "doc"
	PurposeChat     Purpose = "chat"
)

type outboundFrame struct {
	messageType int
	data        []byte
}

// Connection wraps one websocket with a single writer goroutine. All
// sends go through a buffered channel, which serializes writes and
// preserves per-connection ordering of broadcast frames.
type Connection struct {
	id        string
	sessionID string
	userID    string
	purpose   Purpose

	conn         *websocket.Conn
	writeCh      chan outboundFrame
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps an upgraded websocket. bufferFrames bounds the
// outbound queue; a slow reader that fills it has frames dropped with an
// error rather than stalling the session.
func NewConnection(conn *websocket.Conn, sessionID, userID string, purpose Purpose, bufferFrames int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		sessionID:    sessionID,
		userID:       userID,
		purpose:      purpose,
		conn:         conn,
		writeCh:      make(chan outboundFrame, bufferFrames),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ID() string        { return c.id }
func (c *Connection) SessionID() string { return c.sessionID }
func (c *Connection) UserID() string    { return c.userID }
func (c *Connection) Purpose() Purpose  { return c.purpose }

// Send queues a frame for the writer goroutine. Non-blocking once the
// buffer is full: a stalled connection reports an error instead of
// holding up the caller.
func (c *Connection) Send(messageType int, data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.writeCh <- outboundFrame{messageType: messageType, data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrWriteTimeout
	}
}

// CloseWithReason sends a close frame carrying code and reason, then
// tears the connection down. Safe to call more than once.
func (c *Connection) CloseWithReason(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Close tears the connection down without a distinguishing close frame,
// used for transport-level failures.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RefreshReadDeadline extends the liveness deadline, called on connect
// and on every pong.
func (c *Connection) RefreshReadDeadline(timeout time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(timeout))
}

// OnPong installs the pong handler for heartbeat monitoring.
func (c *Connection) OnPong(handler func(string) error) {
	c.conn.SetPongHandler(handler)
}

// Ping sends a ping control frame. A peer that answers neither the ping
// nor sends data before the read deadline is forcibly disconnected by the
// read pump.
func (c *Connection) Ping(timeout time.Duration) error {
	return c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(timeout))
}

// ReadMessage blocks for the next inbound frame.
func (c *Connection) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}
