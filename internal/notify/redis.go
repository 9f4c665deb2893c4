package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Redis publishes envelopes on Redis channels named after the topic, for
// the realtime gateway to relay.
type Redis struct {
	client   *redis.Client
	producer string
}

func NewRedis(ctx context.Context, cfg RedisConfig, producer string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, producer: producer}, nil
}

func (r *Redis) Publish(ctx context.Context, topic, event string, payload any) error {
	data, err := json.Marshal(envelope(topic, event, r.producer, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, topic, data).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
