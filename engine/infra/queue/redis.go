package queue

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// Config captures the Redis connection settings for the out-of-process queue.
type Config struct {
	// URL takes precedence over Host/Port when set.
	URL      string
	Host     string
	Port     string
	DB       int
	Password string

	PingTimeout time.Duration

	// VisibilityTimeout is the maximum claim age before RecoverStale
	// requeues an entry.
	VisibilityTimeout time.Duration

	// KeyPrefix namespaces all queue keys; defaults to "tianshu".
	KeyPrefix string
}

const fallbackPingTimeout = 5 * time.Second

// Redis wraps a go-redis client with connection lifecycle management.
type Redis struct {
	client redis.UniversalClient
	config *Config
	once   sync.Once // guarantees idempotent, race-free Close
}

// NewRedis connects and pings the Redis server within the configured timeout.
func NewRedis(ctx context.Context, cfg *Config) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = fallbackPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	logger.FromContext(ctx).With(
		"host", cfg.Host,
		"port", cfg.Port,
		"db", cfg.DB,
	).Info("Redis connection established")
	return &Redis{client: client, config: cfg}, nil
}

func buildClient(cfg *Config) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// Client returns the underlying Redis client.
func (r *Redis) Client() redis.UniversalClient { return r.client }

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		err = r.client.Close()
	})
	return err
}
