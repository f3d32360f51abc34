// Package client provides the admin-command client the migration tasks
// use to talk to a peer proxy (INFO REPLICATION polling, UMCTL TMPSWITCH),
// riding on github.com/redis/go-redis/v9's low-level command execution
// instead of a hand-rolled RESP client. The back-end senders in package
// backend do not use it.
package client

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal surface migration tasks need: send one
// command line, get one reply back.
type RedisClient interface {
	Execute(ctx context.Context, cmd []string) (interface{}, error)
	Close() error
}

// RedisClientFactory creates RedisClients for an address.
type RedisClientFactory interface {
	CreateClient(ctx context.Context, address string) (RedisClient, error)
}

type goRedisClient struct {
	rdb *redis.Client
}

func (c *goRedisClient) Execute(ctx context.Context, cmd []string) (interface{}, error) {
	args := make([]interface{}, len(cmd))
	for i, c := range cmd {
		args[i] = c
	}
	res := c.rdb.Do(ctx, args...)
	return res.Result()
}

func (c *goRedisClient) Close() error {
	return c.rdb.Close()
}

// DefaultClientFactory builds RedisClients backed by go-redis, one
// connection per address, the way CreateClient is expected to behave:
// cheap enough to call per reconnect attempt.
type DefaultClientFactory struct{}

func (DefaultClientFactory) CreateClient(ctx context.Context, address string) (RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       address,
		PoolSize:   1,
		MaxRetries: 0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &goRedisClient{rdb: rdb}, nil
}
