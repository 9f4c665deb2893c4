package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, string, any) error {
	f.calls++
	return ErrNotConnected
}

func TestFallbackHandsPayloadToLocalConsumer(t *testing.T) {
	primary := &failingPublisher{}
	var got map[string]string
	fp := NewFallback(primary, discardLogger()).Route("in", func(_ context.Context, d amqp.Delivery) error {
		return json.Unmarshal(d.Body, &got)
	})

	if err := fp.Publish(context.Background(), "in", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("primary calls = %d", primary.calls)
	}
	if got["k"] != "v" {
		t.Fatalf("local consumer got %v", got)
	}
}

func TestFallbackSwallowsPoisonAndSurfacesTransient(t *testing.T) {
	transient := errors.New("store down")
	fp := NewFallback(&failingPublisher{}, discardLogger()).
		Route("poison", func(context.Context, amqp.Delivery) error { return ErrPoison }).
		Route("busy", func(context.Context, amqp.Delivery) error { return transient })

	if err := fp.Publish(context.Background(), "poison", 1); err != nil {
		t.Fatalf("poison should be dropped, got %v", err)
	}
	if err := fp.Publish(context.Background(), "busy", 1); !errors.Is(err, transient) {
		t.Fatalf("err = %v, want transient error", err)
	}
	if err := fp.Publish(context.Background(), "unrouted", 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
