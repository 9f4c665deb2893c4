package pubsub

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig defines client config and the queue topology declared on
// every (re)connect.
type RabbitMQConfig struct {
	URL      string
	Topology []QueueTopology
	Producer string // AppId stamped on published messages

	PublishPoolSize             int
	ConsumerPrefetch            int
	ConnTimeoutSeconds          int
	PoolRetryDelayMs            int
	ReconnectBackoffBaseSeconds int
	ReconnectBackoffCapSeconds  int
	ReconnectJitterPercent      int // 0 => fixed delay

	// Initial dial retries before NewClient gives up.
	DialAttempts int
	DialDelay    time.Duration

	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

// QueueTopology describes one durable work queue. An empty Exchange means the
// broker's default exchange, where the routing key is the queue name.
type QueueTopology struct {
	Exchange     string
	ExchangeKind string // default: topic
	Queue        string
	BindingKey   string
	Retry        *RetrySpec

	// If true, poison messages are published to the final queue then Acked.
	// If false, poison messages are just Acked (no copy kept).
	PoisonToFinal bool
}

func (t QueueTopology) routingKey() string {
	if t.Exchange == "" {
		return t.Queue
	}
	return t.BindingKey
}

func (t QueueTopology) retryEnabled() bool {
	return t.Retry != nil && t.Retry.Enabled
}
