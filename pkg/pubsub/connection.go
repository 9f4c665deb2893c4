package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
	Dial          func(url string) (*amqp.Connection, error)
}

const maxDialDelay = 60 * time.Second

// DialWithRetry tries to connect to RabbitMQ with exponential backoff.
// It respects context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp.Connection, error) {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		dial = amqp.Dial
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := dial(cfg.URL)
		if err == nil {
			if i > 1 && cfg.Logger != nil {
				cfg.Logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := backoffFor(delay, i)
		if cfg.Logger != nil {
			cfg.Logger.Warn("rabbit dial failed",
				slog.Int("attempt", i),
				slog.Duration("sleep", sleep),
				slog.Any("error", err),
			)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}

// backoffFor doubles delay per attempt, capped at maxDialDelay.
func backoffFor(delay time.Duration, attempt int) time.Duration {
	sleep := delay
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if sleep >= maxDialDelay {
			return maxDialDelay
		}
	}
	return sleep
}
