package api

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulseops/pulse-engine/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBufferSize = 256
)

// Client is one WebSocket subscriber on the status feed. The hub owns
// the client's lifetime: done is closed exactly once, by the hub, when
// the client is dropped.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Hub  *Hub
	Send chan *Message

	done   chan struct{}
	logger logging.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, logger logging.Logger) *Client {
	return &Client{
		ID:     id,
		Conn:   conn,
		Hub:    hub,
		Send:   make(chan *Message, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ReadPump consumes frames from the connection until it drops. On exit
// it hands the client back to the hub and closes the connection, which
// in turn stops the write pump.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.drop(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warnf("Failed to set read deadline for client %s: %v", c.ID, err)
	}
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Errorf("WebSocket closed unexpectedly for client %s: %v", c.ID, err)
			} else {
				c.logger.Infof("WebSocket read ended for client %s: %v", c.ID, err)
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// WritePump serializes every write to the connection: queued frames and
// keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warnf("Failed to set write deadline for client %s: %v", c.ID, err)
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Infof("Write failed for client %s: %v", c.ID, err)
				return
			}
		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warnf("Failed to set write deadline (ping) for client %s: %v", c.ID, err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// handleMessage answers the small client-to-server protocol. The feed
// itself is push-only.
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypePing:
		c.reply(NewMessage(MessageTypePong, nil))
	default:
		c.reply(NewErrorMessage("INVALID_MESSAGE_TYPE", "Unknown message type"))
	}
}

// reply queues a frame without blocking; replies are best-effort when
// the send buffer is full.
func (c *Client) reply(msg *Message) {
	select {
	case c.Send <- msg:
	default:
	}
}
