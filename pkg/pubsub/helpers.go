package pubsub

import (
	"context"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func Dsec(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(v) * time.Second
}

// JitteredDelay spreads base by ±jitterPct percent, never above cap.
// A non-positive jitterPct yields a fixed delay.
func JitteredDelay(base, cap time.Duration, jitterPct int) time.Duration {
	if base > cap {
		base = cap
	}
	if jitterPct <= 0 {
		return base
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}

func FirstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func deadExchange(t QueueTopology) string {
	if t.Retry != nil && t.Retry.DeadExchange != "" {
		return t.Retry.DeadExchange
	}
	return t.Queue + ".dead"
}

func deadQueue(t QueueTopology) string {
	if t.Retry != nil && t.Retry.DeadQueue != "" {
		return t.Retry.DeadQueue
	}
	return t.Queue + ".dead"
}

func finalExchange(t QueueTopology) string {
	if t.Retry != nil && t.Retry.FinalExchange != "" {
		return t.Retry.FinalExchange
	}
	return t.Queue + ".final"
}

func finalQueue(t QueueTopology) string {
	if t.Retry != nil && t.Retry.FinalQueue != "" {
		return t.Retry.FinalQueue
	}
	return t.Queue + ".final"
}

// DeathCount reads how many times d was dead-lettered out of queue.
func DeathCount(d amqp.Delivery, queue string) int {
	raw, ok := d.Headers["x-death"]
	if !ok {
		return 0
	}
	list, ok := raw.([]any)
	if !ok {
		return 0
	}
	for _, it := range list {
		if m, ok := it.(amqp.Table); ok {
			if q, _ := m["queue"].(string); q == queue {
				if n, ok := m["count"].(int64); ok {
					return int(n)
				}
			}
		}
	}
	return 0
}

// PublishFinal copies d to a fanout exchange, keeping its headers and ids.
func PublishFinal(ch *amqp.Channel, exchange string, d amqp.Delivery) error {
	return ch.PublishWithContext(context.Background(), exchange, "", false, false, amqp.Publishing{
		ContentType:   FirstNonEmpty(d.ContentType, "application/json"),
		Body:          d.Body,
		Headers:       d.Headers,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Type:          d.Type,
		AppId:         d.AppId,
	})
}

func SafeClose(ch *amqp.Channel) error {
	if ch == nil {
		return nil
	}
	defer func() { _ = recover() }()
	return ch.Close()
}
