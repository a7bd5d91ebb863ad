package channel

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/protocol"
)

// Client is the agent-side end of the channel: one connection, one read
// loop, sends guarded by a single-writer lock. Reconnection after a drop is
// the caller's responsibility.
type Client struct {
	socketPath string
	onMessage  func(msg *protocol.Message)

	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewClient creates a client for the given socket path. The message callback
// is fixed at construction.
func NewClient(socketPath string, onMessage func(msg *protocol.Message)) *Client {
	return &Client{socketPath: socketPath, onMessage: onMessage}
}

// Connect dials the service endpoint.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
	}

	// Host is a placeholder; the unix socket carries the connection.
	ws, _, err := dialer.DialContext(ctx, "ws://migrationd/channel", nil)
	if err != nil {
		return fmt.Errorf("connecting to endpoint %s: %w", c.socketPath, err)
	}
	ws.SetReadLimit(protocol.MaxMessageSize)
	c.ws = ws
	return nil
}

// Run reads messages until the connection drops or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.ws.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("channel read: %w", err)
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			logging.Warn("Dropping malformed message from service: %v", err)
			continue
		}
		c.onMessage(msg)
	}
}

// Send writes one message. Concurrent callers cannot interleave frames.
func (c *Client) Send(msg *protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the connection down.
func (c *Client) Close() error {
	if c.ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
