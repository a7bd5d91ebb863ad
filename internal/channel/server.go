// Package channel implements the local duplex message channel between the
// service and per-user agents: WebSocket over a unix domain socket, one JSON
// message envelope per frame.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/protocol"
)

// MessageFunc receives every inbound message with the originating connection id.
type MessageFunc func(ctx context.Context, connID string, msg *protocol.Message)

// DisconnectFunc is invoked after a connection leaves the active set.
type DisconnectFunc func(connID string)

// ErrConnectionNotFound is returned by Send for an unknown or closed peer.
var ErrConnectionNotFound = errors.New("connection not found")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The listener is a local unix socket; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type serverConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) send(msg *protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server accepts and multiplexes agent connections. Callbacks are fixed at
// construction time; there is no post-hoc event subscription.
type Server struct {
	socketPath   string
	onMessage    MessageFunc
	onDisconnect DisconnectFunc

	httpServer *http.Server
	listener   net.Listener

	mu    sync.Mutex
	conns map[string]*serverConn
}

// NewServer creates a channel server bound to the given unix socket path.
func NewServer(socketPath string, onMessage MessageFunc, onDisconnect DisconnectFunc) *Server {
	return &Server{
		socketPath:   socketPath,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		conns:        make(map[string]*serverConn),
	}
}

// Start listens on the endpoint and serves connections until ctx is
// cancelled. An unavailable endpoint is a startup-fatal error.
func (s *Server) Start(ctx context.Context) error {
	// A previous unclean shutdown can leave the socket file behind.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on endpoint %s: %w", s.socketPath, err)
	}
	s.listener = listener

	// All authenticated local users may connect; the service account owns the
	// socket. This mirrors the original channel ACL at the filesystem level.
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
		s.handleConnection(ctx, w, r)
	})
	s.httpServer = &http.Server{Handler: mux}

	logging.Info("Channel endpoint listening at %s", s.socketPath)

	errCh := make(chan error, 1)
	go func() {
		// http.Server retries temporary accept errors with backoff
		// internally, so a transient accept failure never kills the loop.
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("channel server: %w", err)
	}
}

func (s *Server) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	os.Remove(s.socketPath)
}

func (s *Server) handleConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Channel upgrade failed: %v", err)
		return
	}

	conn := &serverConn{id: uuid.New().String(), ws: ws}
	ws.SetReadLimit(protocol.MaxMessageSize)

	s.mu.Lock()
	s.conns[conn.id] = conn
	total := len(s.conns)
	s.mu.Unlock()

	logging.Info("Agent connected: conn=%s active=%d", conn.id, total)
	s.readLoop(ctx, conn)
}

// readLoop processes one peer's messages in arrival order. Any read error,
// clean close included, removes the connection; the agent reconnects on its
// own, the server never resurrects a dead connection.
func (s *Server) readLoop(ctx context.Context, conn *serverConn) {
	defer s.removeConn(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn("Agent connection lost: conn=%s err=%v", conn.id, err)
			} else {
				logging.Debug("Agent disconnected: conn=%s", conn.id)
			}
			return
		}

		msg, err := protocol.Unmarshal(data)
		if err != nil {
			// Malformed envelope is a per-message error; drop it and keep
			// the connection.
			logging.Warn("Dropping malformed message: conn=%s err=%v", conn.id, err)
			continue
		}

		s.onMessage(ctx, conn.id, msg)
	}
}

func (s *Server) removeConn(conn *serverConn) {
	conn.ws.Close()

	s.mu.Lock()
	_, present := s.conns[conn.id]
	delete(s.conns, conn.id)
	s.mu.Unlock()

	if present && s.onDisconnect != nil {
		s.onDisconnect(conn.id)
	}
}

// Send delivers a message to a single peer.
func (s *Server) Send(connID string, msg *protocol.Message) error {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", connID, ErrConnectionNotFound)
	}
	return conn.send(msg)
}

// Broadcast delivers a message to every connected peer. A send failure
// against one peer is logged and never affects delivery to the others.
func (s *Server) Broadcast(msg *protocol.Message) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.send(msg); err != nil {
			logging.Warn("Broadcast to %s failed: %v", c.id, err)
		}
	}
}

// Disconnect closes one peer's connection.
func (s *Server) Disconnect(connID string) {
	s.mu.Lock()
	conn, ok := s.conns[connID]
	s.mu.Unlock()
	if ok {
		conn.ws.Close()
	}
}

// ConnectionCount returns the number of active peers.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
