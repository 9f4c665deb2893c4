package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Client owns one AMQP connection, a publisher channel pool and the
// supervised consumers started by RunWithConsumers.
type Client struct {
	mu     sync.RWMutex
	conn   *amqp.Connection
	pool   *ChannelPool
	config RabbitMQConfig
	logger *slog.Logger

	consumerWG     sync.WaitGroup
	consumerClosed chan consumerExit
	consumerSpecs  map[string]ConsumerSpec
}

// Config returns the configuration the client was built with.
func (c *Client) Config() RabbitMQConfig { return c.config }

// Connected reports whether the current connection is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// NewClient dials the broker, retrying per DialAttempts, and declares the
// configured topology before returning.
func NewClient(ctx context.Context, config RabbitMQConfig, logger *slog.Logger) (*Client, error) {
	const op = "rabbitmq.NewClient"

	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	u, _ := url.Parse(config.URL)
	host := ""
	if u != nil {
		host = u.Host
	}
	logger.With("op", op).Info("connecting to rabbitmq", slog.String("host", host))

	timeoutSec := config.ConnTimeoutSeconds
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client := &Client{
		config: config,
		logger: logger,
	}
	conn, err := client.dial(dialCtx)
	if err != nil {
		logger.With("op", op).Error("dial failed", slog.Any("error", err))
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	if err := client.install(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.With("op", op).Info("client ready", slog.Int("queues", len(config.Topology)))
	return client, nil
}

func (c *Client) dial(ctx context.Context) (*amqp.Connection, error) {
	if c.config.Dialer != nil {
		return c.config.Dialer(ctx, c.config.URL)
	}
	return DialWithRetry(ctx, ConnectionOptions{
		URL:           c.config.URL,
		RetryAttempts: c.config.DialAttempts,
		Delay:         c.config.DialDelay,
		Logger:        c.logger,
	})
}

// install declares the topology on conn and swaps it in with a fresh pool.
func (c *Client) install(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	for _, t := range c.config.Topology {
		if err := declareTopology(ch, t); err != nil {
			_ = SafeClose(ch)
			return fmt.Errorf("declare %s: %w", t.Queue, err)
		}
	}
	_ = SafeClose(ch)

	pool := NewChannelPool(conn, c.config.PublishPoolSize, time.Duration(c.config.PoolRetryDelayMs)*time.Millisecond)

	c.mu.Lock()
	old := c.pool
	c.conn = conn
	c.pool = pool
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// reconnect dials again and re-declares the whole topology. Declaring an
// existing durable queue with the same arguments is a no-op.
func (c *Client) reconnect(ctx context.Context) error {
	const op = "rabbitmq.reconnect"

	c.mu.Lock()
	if c.pool != nil {
		c.pool.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := c.install(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.logger.With("op", op).Info("reconnected")
	return nil
}

func (c *Client) connection() *amqp.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) channelPool() *ChannelPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// Close stops consumers, closes pool and connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
