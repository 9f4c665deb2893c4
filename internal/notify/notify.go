// Package notify fans chat events out to tenant and user subscribers.
package notify

import (
	"context"
	"errors"

	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

// Publisher delivers one event to every subscriber of topic.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

func envelope(topic, event, producer string, payload any) common.Envelope {
	return common.Envelope{
		Topic: topic,
		Meta:  common.NewMeta(event, producer),
		Data:  payload,
	}
}

// Multi publishes to every member and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic, event string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, string, any) error { return nil }
