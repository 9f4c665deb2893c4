package chat

import (
	"context"
	"log/slog"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/pkg/pubsub"
)

// Ingestor feeds live client messages into the incoming queue.
type Ingestor struct {
	normalizer *Normalizer
	publisher  pubsub.Publisher
	queue      string
	logger     *slog.Logger
}

func NewIngestor(normalizer *Normalizer, publisher pubsub.Publisher, queue string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{normalizer: normalizer, publisher: publisher, queue: queue, logger: logger}
}

// OnMessage derives and enqueues one message. Group, broadcast and status
// chats are ignored.
func (i *Ingestor) OnMessage(ctx context.Context, tenantID string, client session.Client, raw session.RawMessage) {
	if !IsPersonalChat(raw.Chat) {
		return
	}
	msg := i.normalizer.Derive(ctx, tenantID, client, raw)
	if err := i.publisher.Publish(ctx, i.queue, msg); err != nil {
		i.logger.Error("enqueue incoming failed",
			slog.String("tenant", tenantID),
			slog.String("wa_message_id", raw.ID),
			slog.Any("error", err))
	}
}
