package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/build-engine/pkg/logger"
	"yqhp/build-engine/pkg/utils"
)

// DefaultQueuePrefix namespaces the redis keys used by the queue transport.
const DefaultQueuePrefix = "build-engine"

// queueEnvelope is the status-queue entry pushed by workers.
type queueEnvelope struct {
	Identity string `json:"identity"`
	Frame    string `json:"frame"`
}

func statusKey(prefix string) string { return prefix + ":status" }

func workKey(prefix, identity string) string { return prefix + ":work:" + identity }

// redisTimeout keeps blocking pops interruptible: go-redis rounds to whole
// seconds and 0 would block forever. An idle poll on this backend therefore
// lasts at least one second whatever timeout the caller asked for.
func redisTimeout(timeout time.Duration) time.Duration {
	if timeout < time.Second {
		return time.Second
	}
	return timeout
}

// QueueServer is the manager side of the redis queue transport. Workers push
// to one status list; each worker pops from its own work list.
type QueueServer struct {
	rdb    redis.UniversalClient
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewQueueServer creates a queue server over rdb. The caller owns rdb.
func NewQueueServer(rdb redis.UniversalClient, prefix string, log *zap.Logger) *QueueServer {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &QueueServer{rdb: rdb, prefix: prefix, logger: logger.OrNop(log).Named("queue")}
}

// ClearWork drops work lists left over from an earlier run. The status list
// is kept so READY frames from workers started before the manager survive.
func (s *QueueServer) ClearWork(ctx context.Context) error {
	var stale []string
	iter := s.rdb.Scan(ctx, 0, workKey(s.prefix, "*"), 100).Iterator()
	for iter.Next(ctx) {
		stale = append(stale, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan work queues: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	s.logger.Info("dropping stale work queues", zap.Int("count", len(stale)))
	return s.rdb.Del(ctx, stale...).Err()
}

func (s *QueueServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *QueueServer) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrClosed
	}
	res, err := s.rdb.BRPop(ctx, redisTimeout(timeout), statusKey(s.prefix)).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrTimeout
	}
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("pop status queue: %w", err)
	}

	var env queueEnvelope
	if err := utils.Unmarshal([]byte(res[1]), &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	msg, err := Decode([]byte(env.Frame))
	if err != nil {
		return Message{}, err
	}
	msg.Identity = env.Identity
	return msg, nil
}

func (s *QueueServer) Send(ctx context.Context, identity string, m Message) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.rdb.LPush(ctx, workKey(s.prefix, identity), Encode(m)).Err(); err != nil {
		return fmt.Errorf("push work queue %s: %w", identity, err)
	}
	return nil
}

func (s *QueueServer) Broadcast(ctx context.Context, identities []string, m Message) error {
	return broadcast(ctx, s, identities, m)
}

func (s *QueueServer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// QueueClient is the worker side of the redis queue transport.
type QueueClient struct {
	rdb      redis.UniversalClient
	prefix   string
	identity string

	mu     sync.Mutex
	closed bool
}

// NewQueueClient creates a queue client over rdb. The caller owns rdb.
func NewQueueClient(rdb redis.UniversalClient, prefix, identity string) *QueueClient {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &QueueClient{rdb: rdb, prefix: prefix, identity: identity}
}

func (c *QueueClient) Identity() string { return c.identity }

func (c *QueueClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *QueueClient) Send(ctx context.Context, m Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := utils.Marshal(queueEnvelope{Identity: c.identity, Frame: string(Encode(m))})
	if err != nil {
		return err
	}
	if err := c.rdb.LPush(ctx, statusKey(c.prefix), data).Err(); err != nil {
		return fmt.Errorf("push status queue: %w", err)
	}
	return nil
}

func (c *QueueClient) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	if c.isClosed() {
		return Message{}, ErrClosed
	}
	res, err := c.rdb.BRPop(ctx, redisTimeout(timeout), workKey(c.prefix, c.identity)).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrTimeout
	}
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("pop work queue: %w", err)
	}
	msg, err := Decode([]byte(res[1]))
	msg.Identity = c.identity
	return msg, err
}

func (c *QueueClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.rdb.Del(context.Background(), workKey(c.prefix, c.identity)).Err()
}
