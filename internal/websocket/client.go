package websocket

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rufus800/challawa-np/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Commands are tiny.
	maxMessageSize = 4 * 1024
)

// Client is one WebSocket connection bound to a hub subscription
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *Subscription

	userAgent   string
	ipAddress   string
	connectedAt time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, sub *Subscription, userAgent, ipAddress string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		sub:         sub,
		userAgent:   userAgent,
		ipAddress:   ipAddress,
		connectedAt: time.Now(),
	}
}

// readPump handles client commands until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub)
		c.conn.Close()
		logger.Infof("WebSocket %s from %s closed after %s", c.sub.ID(), c.ipAddress, time.Since(c.connectedAt).Round(time.Second))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Errorf("WebSocket read error from %s: %v", c.sub.ID(), err)
			}
			return
		}
		c.processIncomingMessage(message)
	}
}

// writePump writes subscription messages to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, closeFrame(c.sub.Err()))
				return
			}

			data, err := SerializeMessage(msg)
			if err != nil {
				logger.Error("Failed to serialize WebSocket message", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processIncomingMessage(message []byte) {
	cmd, err := ParseClientCommand(message)
	if err != nil {
		logger.Warnf("Invalid command from %s: %v", c.sub.ID(), err)
		c.hub.Reply(c.sub, NewErrorMessage("invalid command format", time.Now()))
		return
	}

	switch cmd.Type {
	case "ping":
		c.hub.Reply(c.sub, NewPongMessage(time.Now()))
	case "resync":
		c.hub.Resync(c.sub)
	default:
		c.hub.Reply(c.sub, NewErrorMessage("unknown command: "+cmd.Type, time.Now()))
	}
}

func closeFrame(reason error) []byte {
	switch {
	case errors.Is(reason, ErrSlowConsumer):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer")
	case errors.Is(reason, ErrHubClosed):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}

