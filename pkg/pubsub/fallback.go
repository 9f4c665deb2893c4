package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// FallbackPublisher publishes through a primary Publisher and, when the
// broker refuses the message, hands it straight to the queue's local
// consumer instead of losing it.
type FallbackPublisher struct {
	primary Publisher
	local   map[string]func(context.Context, amqp.Delivery) error
	log     *slog.Logger
}

func NewFallback(primary Publisher, logger *slog.Logger) *FallbackPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{
		primary: primary,
		local:   make(map[string]func(context.Context, amqp.Delivery) error),
		log:     logger,
	}
}

// Route registers the handler that consumes queue in this process.
// Call before the publisher is shared.
func (p *FallbackPublisher) Route(queue string, consume func(context.Context, amqp.Delivery) error) *FallbackPublisher {
	p.local[queue] = consume
	return p
}

func (p *FallbackPublisher) Publish(ctx context.Context, queue string, payload any) error {
	var perr error
	if p.primary != nil {
		if perr = p.primary.Publish(ctx, queue, payload); perr == nil {
			return nil
		}
	} else {
		perr = ErrNotConnected
	}

	consume, ok := p.local[queue]
	if !ok {
		return perr
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	p.log.Warn("publish failed, handling locally", slog.String("queue", queue), slog.Any("error", perr))

	err = consume(ctx, amqp.Delivery{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
	if errors.Is(err, ErrPoison) {
		p.log.Error("dropping poison message", slog.String("queue", queue), slog.Any("error", err))
		return nil
	}
	return err
}
