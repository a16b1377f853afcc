package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 4
	pingInterval   = 30 * time.Second
	// MaxWait bounds how long a tab may hold a connection open waiting for
	// its checkout. The readiness endpoint remains available afterwards.
	MaxWait = 15 * time.Minute
)

// Client is one browser tab waiting on a funnel session. The connection is
// one-shot: it closes after account_ready is delivered.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	sessionID string
	send      chan []byte
}

func NewClient(hub *Hub, conn *ws.Conn, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
	}
}

// Run blocks until the tab is notified, disconnects, or maxWait elapses, and
// then unregisters. The caller registers the client first.
func (c *Client) Run(ctx context.Context, maxWait time.Duration) {
	defer c.hub.Unregister(c)

	// Tabs never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx = c.conn.CloseRead(ctx)

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.CloseNow()
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
			c.conn.Close(ws.StatusNormalClosure, "account ready")
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-deadline.C:
			c.conn.Close(ws.StatusNormalClosure, "wait expired")
			return
		case <-ctx.Done():
			c.conn.CloseNow()
			return
		}
	}
}
