package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// wsConnection is the slice of *websocket.Conn the client needs. Tests
// substitute a mock to simulate reads, write failures, and disconnects.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// Client is one connected signaling channel. Two goroutines serve it:
// readPump decodes inbound frames and dispatches them one at a time, giving
// the per-connection ordering guarantee; writePump drains the buffered send
// channel. Client implements types.Channel for the registries and the bridge.
type Client struct {
	id   types.ClientID
	hub  *Hub
	conn wsConnection
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newClient(id types.ClientID, hub *Hub, conn wsConnection) *Client {
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues a frame without blocking. A full buffer drops the frame rather
// than stalling the sender; a dropped frame is advisory, the channel's own
// close path handles dead peers.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping frame",
			zap.String("client_id", string(c.id)))
		return false
	}
}

// IsOpen reports whether the channel is still usable.
func (c *Client) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close marks the channel closed. Idempotent; the pumps observe done and
// shut the underlying connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// sendJSON marshals and queues a payload on the client's own channel.
func (c *Client) sendJSON(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message",
			zap.String("client_id", string(c.id)),
			zap.Error(err))
		return
	}
	c.Send(raw)
}

// readPump reads frames until the connection dies, dispatching each one
// synchronously. The deferred disconnect is the single cleanup path for the
// whole session.
func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.conn.Close()
		c.hub.handleDisconnect(c)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.dispatch(context.Background(), c, data)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Warn(context.Background(), "error writing frame",
					zap.String("client_id", string(c.id)),
					zap.Error(err))
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
