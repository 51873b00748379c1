package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryServer is an in-process transport. Frames still go through
// Encode/Decode so both sides see the same wire format as the network backends.
type MemoryServer struct {
	inbox   chan Message
	mu      sync.RWMutex
	clients map[string]*MemoryClient
	done    chan struct{}
	once    sync.Once
}

// NewMemoryServer creates an in-process server.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		inbox:   make(chan Message, 1024),
		clients: make(map[string]*MemoryClient),
		done:    make(chan struct{}),
	}
}

// Connect attaches a client with the given identity.
func (s *MemoryServer) Connect(identity string) (*MemoryClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[identity]; ok {
		return nil, fmt.Errorf("identity %s already connected", identity)
	}
	c := &MemoryClient{
		identity: identity,
		server:   s,
		inbox:    make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	s.clients[identity] = c
	return c, nil
}

func (s *MemoryServer) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
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

func (s *MemoryServer) Send(ctx context.Context, identity string, m Message) error {
	s.mu.RLock()
	c, ok := s.clients[identity]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, identity)
	}
	select {
	case c.inbox <- Encode(m):
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemoryServer) Broadcast(ctx context.Context, identities []string, m Message) error {
	return broadcast(ctx, s, identities, m)
}

func (s *MemoryServer) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryServer) detach(identity string) {
	s.mu.Lock()
	delete(s.clients, identity)
	s.mu.Unlock()
}

// MemoryClient is the worker end of a MemoryServer.
type MemoryClient struct {
	identity string
	server   *MemoryServer
	inbox    chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *MemoryClient) Identity() string { return c.identity }

func (c *MemoryClient) Send(ctx context.Context, m Message) error {
	msg, err := Decode(Encode(m))
	if err != nil {
		return err
	}
	msg.Identity = c.identity
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.server.inbox <- msg:
		return nil
	case <-c.server.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryClient) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	timer, stop := wait(timeout)
	defer stop()
	select {
	case frame := <-c.inbox:
		msg, err := Decode(frame)
		msg.Identity = c.identity
		return msg, err
	case <-timer:
		return Message{}, ErrTimeout
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *MemoryClient) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.server.detach(c.identity)
	})
	return nil
}
