package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends one JSON payload to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Publish marshals payload and publishes it persistently to queue. Queues
// bound to a named exchange are addressed through that exchange; others go
// through the default exchange. Publish fails with ErrNotConnected while the
// connection is down; the caller decides whether to buffer or reject.
func (c *Client) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	pool := c.channelPool()
	if pool == nil {
		return ErrNotConnected
	}
	ch, err := pool.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}
	defer pool.Return(ch)

	exchange, key := c.route(queue)
	id := uuid.NewString()
	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: id,
		Timestamp:     time.Now().UTC(),
		AppId:         c.config.Producer,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

func (c *Client) route(queue string) (exchange, key string) {
	for _, t := range c.config.Topology {
		if t.Queue == queue {
			return t.Exchange, t.routingKey()
		}
	}
	return "", queue
}
