package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis pub/sub sink
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Timeout  time.Duration
}

// RedisSink publishes payloads on a Redis channel
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisSink creates the client and checks the server with a ping
func NewRedisSink(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisSink, error) {
	if cfg.Channel == "" {
		cfg.Channel = "yolocam:detections"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisSink{
		client:  client,
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		logger:  logger.Named("redis"),
	}, nil
}

func (s *RedisSink) Name() string {
	return "redis"
}

// Publish sends payload to subscribers of the channel
func (s *RedisSink) Publish(payload string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Publish(ctx, s.channel, payload).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
