package transport

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend names.
const (
	BackendSocket = "socket"
	BackendQueue  = "queue"
)

// RedisOptions configures the queue backend's redis connection.
type RedisOptions struct {
	Addr     string `yaml:"addr" env:"BE_REDIS_ADDR"`
	Password string `yaml:"password" env:"BE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"BE_REDIS_DB"`
}

// Options selects and configures a backend.
type Options struct {
	Backend     string       `yaml:"backend" env:"BE_TRANSPORT_BACKEND"`
	Redis       RedisOptions `yaml:"redis"`
	QueuePrefix string       `yaml:"queue_prefix" env:"BE_QUEUE_PREFIX"`
}

// DefaultOptions returns the socket backend.
func DefaultOptions() Options {
	return Options{
		Backend:     BackendSocket,
		Redis:       RedisOptions{Addr: "localhost:6379"},
		QueuePrefix: DefaultQueuePrefix,
	}
}

func (o Options) redisClient(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     o.Redis.Addr,
		Password: o.Redis.Password,
		DB:       o.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", o.Redis.Addr, err)
	}
	return rdb, nil
}

// ownedServer closes its redis client together with the transport.
type ownedServer struct {
	*QueueServer
	rdb *redis.Client
}

func (s ownedServer) Close() error {
	_ = s.QueueServer.Close()
	return s.rdb.Close()
}

type ownedClient struct {
	*QueueClient
	rdb *redis.Client
}

func (c ownedClient) Close() error {
	err := c.QueueClient.Close()
	if cerr := c.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

// NewServer opens the manager side. For the socket backend addr is the
// listen address; the queue backend ignores it.
func NewServer(ctx context.Context, o Options, addr string, log *zap.Logger) (Server, error) {
	switch o.Backend {
	case BackendSocket, "":
		return ListenSocket(addr, log)
	case BackendQueue:
		rdb, err := o.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		s := NewQueueServer(rdb, o.QueuePrefix, log)
		if err := s.ClearWork(ctx); err != nil {
			_ = rdb.Close()
			return nil, err
		}
		return ownedServer{QueueServer: s, rdb: rdb}, nil
	}
	return nil, fmt.Errorf("unknown transport backend: %s", o.Backend)
}

// NewClient opens the worker side. For the socket backend addr is the
// manager's address; the queue backend ignores it.
func NewClient(ctx context.Context, o Options, addr, identity string, log *zap.Logger) (Client, error) {
	switch o.Backend {
	case BackendSocket, "":
		return DialSocket(ctx, addr, identity, log)
	case BackendQueue:
		rdb, err := o.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return ownedClient{QueueClient: NewQueueClient(rdb, o.QueuePrefix, identity), rdb: rdb}, nil
	}
	return nil, fmt.Errorf("unknown transport backend: %s", o.Backend)
}
