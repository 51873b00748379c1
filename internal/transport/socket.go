package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yqhp/build-engine/pkg/logger"
)

// SocketPath is the websocket endpoint served by the manager.
const SocketPath = "/ws"

// socketConn wraps a single websocket connection from a worker.
type socketConn struct {
	identity string
	conn     *fiberws.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *socketConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *socketConn) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// SocketServer accepts worker websocket connections. Workers are addressed
// by the identity they pass as the "identity" query parameter.
type SocketServer struct {
	app      *fiber.App
	listener net.Listener
	logger   *zap.Logger

	inbox chan Message
	conns map[string]*socketConn
	mu    sync.RWMutex

	done chan struct{}
	once sync.Once
}

// ListenSocket starts a websocket server on addr ("host:port", port 0 picks one).
func ListenSocket(addr string, log *zap.Logger) (*SocketServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &SocketServer{
		app:      fiber.New(fiber.Config{DisableStartupMessage: true}),
		listener: ln,
		logger:   logger.OrNop(log).Named("socket"),
		inbox:    make(chan Message, 1024),
		conns:    make(map[string]*socketConn),
		done:     make(chan struct{}),
	}

	s.app.Use(SocketPath, func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get(SocketPath, fiberws.New(s.handleConnection))

	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error("socket server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("socket server listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *SocketServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *SocketServer) handleConnection(c *fiberws.Conn) {
	identity := c.Query("identity")
	if identity == "" {
		s.logger.Warn("rejecting connection without identity")
		return
	}

	conn := &socketConn{
		identity: identity,
		conn:     c,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.conns[identity]; ok {
		old.close()
	}
	s.conns[identity] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conns[identity] == conn {
			delete(s.conns, identity)
		}
		s.mu.Unlock()
		conn.close()
		s.logger.Debug("worker disconnected", zap.String("identity", identity))
	}()

	s.logger.Debug("worker connected", zap.String("identity", identity))
	go conn.writePump()

	// read pump blocks until the connection closes
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			s.logger.Warn("dropping frame", zap.String("identity", identity), zap.Error(err))
			continue
		}
		msg.Identity = identity
		select {
		case s.inbox <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *SocketServer) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	timer, stop := wait(timeout)
	defer stop()
	select {
	case m := <-s.inbox:
		return m, nil
	case <-timer:
		return Message{}, ErrTimeout
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *SocketServer) Send(ctx context.Context, identity string, m Message) error {
	s.mu.RLock()
	conn, ok := s.conns[identity]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, identity)
	}
	select {
	case conn.send <- Encode(m):
		return nil
	case <-conn.done:
		return fmt.Errorf("%w: %s disconnected", ErrClosed, identity)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SocketServer) Broadcast(ctx context.Context, identities []string, m Message) error {
	return broadcast(ctx, s, identities, m)
}

// Close stops the server. Pending frames in the per-connection send buffers
// are given a short grace period to flush.
func (s *SocketServer) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		conns := make([]*socketConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			flushDeadline := time.Now().Add(time.Second)
			for len(c.send) > 0 && time.Now().Before(flushDeadline) {
				time.Sleep(10 * time.Millisecond)
			}
			c.close()
		}
		err = s.app.ShutdownWithTimeout(5 * time.Second)
	})
	return err
}

// SocketClient is a worker's websocket connection to the manager.
type SocketClient struct {
	identity string
	conn     *websocket.Conn
	logger   *zap.Logger

	writeMu sync.Mutex
	inbox   chan []byte
	readErr chan error
	done    chan struct{}
	once    sync.Once
}

// DialSocket connects to a manager at address ("host:port" or http(s)/ws(s) URL).
func DialSocket(ctx context.Context, address, identity string, log *zap.Logger) (*SocketClient, error) {
	wsURL := toWebSocketURL(address) + SocketPath + "?identity=" + url.QueryEscape(identity)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s failed: %w", wsURL, err)
	}

	c := &SocketClient{
		identity: identity,
		conn:     ws,
		logger:   logger.OrNop(log).Named("socket"),
		inbox:    make(chan []byte, 64),
		readErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *SocketClient) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr <- err
			return
		}
		select {
		case c.inbox <- raw:
		case <-c.done:
			return
		}
	}
}

func (c *SocketClient) Identity() string { return c.identity }

func (c *SocketClient) Send(ctx context.Context, m Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, Encode(m)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *SocketClient) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	timer, stop := wait(timeout)
	defer stop()
	select {
	case raw := <-c.inbox:
		msg, err := Decode(raw)
		msg.Identity = c.identity
		return msg, err
	case err := <-c.readErr:
		// keep the error visible to later calls
		c.readErr <- err
		return Message{}, fmt.Errorf("%w: %v", ErrClosed, err)
	case <-timer:
		return Message{}, ErrTimeout
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *SocketClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// toWebSocketURL converts an HTTP(s) URL or bare host:port to a ws:// URL.
func toWebSocketURL(raw string) string {
	raw = strings.TrimSuffix(raw, "/")
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}
