package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetrySpec configures the DLX-based delayed requeue. A nacked message is
// dead-lettered into a TTL queue and routed back to the main queue once the
// TTL expires.
type RetrySpec struct {
	Enabled     bool
	TTL         time.Duration
	MaxAttempts int // 0 => unbounded

	DeadExchange  string
	DeadQueue     string
	FinalExchange string
	FinalQueue    string
}

// ConsumerSpec defines a single supervised consumer.
type ConsumerSpec struct {
	Name string
	QueueTopology
	Prefetch int // 0 => use global default

	Consume func(ctx context.Context, d amqp.Delivery) error
}

// ErrPoison indicates non-retriable "bad content" (e.g., JSON decode fail).
// Handlers wrap it to have the delivery acked and dropped.
var ErrPoison = errors.New("poison message")

// JSONHandler wraps a typed handler and turns JSON decode failure into ErrPoison.
func JSONHandler[T any](h func(context.Context, T) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		var v T
		if err := json.Unmarshal(d.Body, &v); err != nil {
			return fmt.Errorf("%w: decode: %v", ErrPoison, err)
		}
		return h(ctx, v)
	}
}

type consumerExit struct {
	name string
	ch   *amqp.Channel
}

// RunWithConsumers starts every consumer and supervises them until ctx is
// done: a closed consumer channel restarts that consumer, a closed connection
// redials after the reconnect backoff and restarts all of them.
func (c *Client) RunWithConsumers(ctx context.Context, specs ...ConsumerSpec) error {
	c.consumerClosed = make(chan consumerExit, len(specs)*2+1)
	c.consumerSpecs = make(map[string]ConsumerSpec, len(specs))
	active := make(map[string]*amqp.Channel, len(specs))

	for _, s := range specs {
		c.consumerSpecs[s.Name] = s
		ch, err := c.startConsumer(ctx, s)
		if err != nil {
			return fmt.Errorf("start %s: %w", s.Name, err)
		}
		active[s.Name] = ch
	}

	base := Dsec(c.config.ReconnectBackoffBaseSeconds, 5)
	capd := Dsec(c.config.ReconnectBackoffCapSeconds, 5)
	errCh := c.connection().NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case exit := <-c.consumerClosed:
			s, ok := c.consumerSpecs[exit.name]
			if !ok || active[exit.name] != exit.ch || !c.Connected() {
				// stale notice, or the connection handler below will restart it
				continue
			}
			ch, err := c.startConsumer(ctx, s)
			if err != nil {
				c.logger.Error("restart consumer failed", slog.String("name", exit.name), slog.Any("error", err))
				c.retryLater(ctx, exit, base)
				continue
			}
			active[exit.name] = ch

		case err, ok := <-errCh:
			if !ok || err == nil {
				err = &amqp.Error{Reason: "connection closed"}
			}
			c.logger.Error("amqp connection closed, reconnecting", slog.Any("error", err))

			backoff := base
			for {
				wait := JitteredDelay(backoff, capd, c.config.ReconnectJitterPercent)
				if !sleepCtx(ctx, wait) {
					return ctx.Err()
				}
				rerr := c.reconnect(ctx)
				if rerr == nil {
					break
				}
				c.logger.Error("reconnect failed", slog.Any("error", rerr), slog.Duration("retry_in", wait))
				if backoff*2 <= capd {
					backoff *= 2
				}
			}

			for name, s := range c.consumerSpecs {
				ch, err := c.startConsumer(ctx, s)
				if err != nil {
					c.logger.Error("restart consumer after reconnect failed", slog.String("name", name), slog.Any("error", err))
					delete(active, name)
					continue
				}
				active[name] = ch
			}
			errCh = c.connection().NotifyClose(make(chan *amqp.Error, 1))
		}
	}
}

func (c *Client) retryLater(ctx context.Context, exit consumerExit, after time.Duration) {
	go func() {
		if sleepCtx(ctx, after) {
			select {
			case c.consumerClosed <- exit:
			default:
			}
		}
	}()
}

// startConsumer declares the consumer topology and runs its delivery loop on
// a dedicated channel.
func (c *Client) startConsumer(ctx context.Context, spec ConsumerSpec) (*amqp.Channel, error) {
	conn := c.connection()
	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	pf := spec.Prefetch
	if pf <= 0 {
		pf = c.config.ConsumerPrefetch
		if pf <= 0 {
			pf = 1
		}
	}
	if err := ch.Qos(pf, 0, false); err != nil {
		_ = SafeClose(ch)
		return nil, err
	}
	if err := declareTopology(ch, spec.QueueTopology); err != nil {
		_ = SafeClose(ch)
		return nil, err
	}

	msgs, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = SafeClose(ch)
		return nil, err
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	final := func(exchange string, d amqp.Delivery) error { return PublishFinal(ch, exchange, d) }

	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		restart := consumeLoop(ctx, spec, msgs, closeCh, final, c.logger)
		_ = SafeClose(ch)
		if restart {
			select {
			case c.consumerClosed <- consumerExit{name: spec.Name, ch: ch}:
			default:
			}
		}
	}()

	c.logger.Info("consumer started", slog.String("name", spec.Name), slog.String("queue", spec.Queue), slog.Int("prefetch", pf))
	return ch, nil
}

// consumeLoop handles deliveries strictly one at a time and settles each one
// before reading the next. It reports whether the channel went away and the
// consumer needs a restart.
func consumeLoop(
	ctx context.Context,
	spec ConsumerSpec,
	msgs <-chan amqp.Delivery,
	closed <-chan *amqp.Error,
	final func(exchange string, d amqp.Delivery) error,
	logger *slog.Logger,
) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case <-closed:
			// best-effort drain pending deliveries to requeue faster
			for {
				select {
				case d, ok := <-msgs:
					if !ok {
						return true
					}
					_ = d.Nack(false, true)
				default:
					return true
				}
			}

		case d, ok := <-msgs:
			if !ok {
				return true
			}
			if spec.retryEnabled() && spec.Retry.MaxAttempts > 0 && DeathCount(d, spec.Queue) >= spec.Retry.MaxAttempts {
				if err := final(finalExchange(spec.QueueTopology), d); err != nil {
					logger.Error("park exhausted message failed", slog.String("queue", spec.Queue), slog.Any("error", err))
					_ = d.Nack(false, false)
					continue
				}
				logger.Warn("retries exhausted, parked", slog.String("queue", spec.Queue), slog.String("message_id", d.MessageId))
				_ = d.Ack(false)
				continue
			}
			settle(spec, d, spec.Consume(ctx, d), final, logger)
		}
	}
}

// settle acks or nacks d according to the handler outcome:
//
//	nil       -> Ack
//	ErrPoison -> copy to final queue (optional), Ack
//	other     -> Nack to the dead-letter TTL queue when retry is enabled,
//	             otherwise Nack with immediate requeue
func settle(spec ConsumerSpec, d amqp.Delivery, err error, final func(string, amqp.Delivery) error, logger *slog.Logger) {
	switch {
	case err == nil:
		_ = d.Ack(false)

	case errors.Is(err, ErrPoison):
		logger.Error("dropping poison message",
			slog.String("queue", spec.Queue),
			slog.String("message_id", d.MessageId),
			slog.Any("error", err))
		if spec.PoisonToFinal && final != nil {
			if ferr := final(finalExchange(spec.QueueTopology), d); ferr != nil {
				logger.Warn("copy poison to final failed", slog.String("queue", spec.Queue), slog.Any("error", ferr))
			}
		}
		_ = d.Ack(false)

	default:
		logger.Warn("handler failed, requeueing",
			slog.String("queue", spec.Queue),
			slog.String("message_id", d.MessageId),
			slog.Bool("delayed", spec.retryEnabled()),
			slog.Any("error", err))
		if spec.retryEnabled() {
			_ = d.Nack(false, false)
		} else {
			_ = d.Nack(false, true)
		}
	}
}

// declareTopology declares the main queue (and its binding when a named
// exchange is used), the DLX/TTL retry stage and the final queue.
func declareTopology(ch *amqp.Channel, t QueueTopology) error {
	if t.Exchange != "" {
		kind := FirstNonEmpty(t.ExchangeKind, "topic")
		if err := ch.ExchangeDeclare(t.Exchange, kind, true, false, false, false, nil); err != nil {
			return err
		}
	}

	mainArgs := amqp.Table{}
	if t.retryEnabled() {
		mainArgs["x-dead-letter-exchange"] = deadExchange(t)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, mainArgs); err != nil {
		return err
	}
	if t.Exchange != "" {
		if err := ch.QueueBind(t.Queue, t.BindingKey, t.Exchange, false, nil); err != nil {
			return err
		}
	}

	if t.retryEnabled() {
		deadEx := deadExchange(t)
		if err := ch.ExchangeDeclare(deadEx, "fanout", true, false, false, false, nil); err != nil {
			return err
		}
		dArgs := amqp.Table{
			"x-message-ttl":             int32(t.Retry.TTL / time.Millisecond),
			"x-dead-letter-exchange":    t.Exchange,
			"x-dead-letter-routing-key": t.routingKey(),
		}
		deadQ := deadQueue(t)
		if _, err := ch.QueueDeclare(deadQ, true, false, false, false, dArgs); err != nil {
			return err
		}
		if err := ch.QueueBind(deadQ, "", deadEx, false, nil); err != nil {
			return err
		}
	}

	if t.retryEnabled() || t.PoisonToFinal {
		finalEx := finalExchange(t)
		finalQ := finalQueue(t)
		if err := ch.ExchangeDeclare(finalEx, "fanout", true, false, false, false, nil); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(finalQ, true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(finalQ, "", finalEx, false, nil); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
