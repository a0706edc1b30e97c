package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/metrics"
	"github.com/echochat/backend/go/internal/v1/types"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// wsConnection is the subset of *websocket.Conn the client uses. Tests
// substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one live realtime connection bound to an authenticated session.
type Client struct {
	hub     *Hub
	conn    wsConnection
	id      types.ConnID
	user    types.UserID
	session types.SessionID
	admin   bool

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

func (c *Client) ID() types.ConnID         { return c.id }
func (c *Client) User() types.UserID       { return c.user }
func (c *Client) Session() types.SessionID { return c.session }

// Send frames an event and queues it. A full queue means the peer cannot
// keep up with its fan-in; the connection is dropped with reason
// SlowConsumer rather than letting the buffer grow without bound.
func (c *Client) Send(event types.Event, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := frame(event, payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame",
			zap.String("event", string(event)), zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "send to closing connection",
				zap.String("connId", string(c.id)), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "outbound queue overflow, dropping slow consumer",
			zap.String("connId", string(c.id)), zap.String("user", string(c.user)))
		metrics.WebsocketEvents.WithLabelValues(string(event), "slow_consumer").Inc()
		go c.hub.dropConnection(c, "SlowConsumer")
	}
}

// SendError reports a handler failure for a specific inbound event.
func (c *Client) SendError(event types.Event, kind, message string) {
	c.Send(types.EventErrorOut, ErrorPayload{Event: event, Kind: kind, Message: message})
}

// Disconnect closes the send channel, which lets writePump flush queued
// frames, emit a close frame, and tear down the socket.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "malformed frame",
				zap.String("connId", string(c.id)), zap.Error(err))
			c.SendError("", "bad_input", "malformed frame")
			continue
		}
		if err := msg.Validate(); err != nil {
			c.SendError(msg.Event, "bad_input", err.Error())
			continue
		}

		c.hub.dispatch(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Warn(context.Background(), "error writing message",
				zap.String("connId", string(c.id)), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// frame serializes one outbound event envelope.
func frame(event types.Event, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.Message{Event: event, Payload: raw})
}
