package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	"github.com/roboricindustries/raycon-chatsync/pkg/pubsub"
	chatv1 "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

// Reconciler re-enqueues messages the pipeline may have missed while a
// session was down.
type Reconciler struct {
	sessions   Sessions
	messages   store.MessageStore
	normalizer *Normalizer
	publisher  pubsub.Publisher
	queue      string
	window     int
	logger     *slog.Logger
}

type ReconcileResult struct {
	Chats    int
	Scanned  int
	Enqueued int
	Skipped  int // already stored, nothing to add
}

func NewReconciler(sessions Sessions, messages store.MessageStore, normalizer *Normalizer, publisher pubsub.Publisher, queue string, window int, logger *slog.Logger) *Reconciler {
	if window <= 0 {
		window = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		sessions:   sessions,
		messages:   messages,
		normalizer: normalizer,
		publisher:  publisher,
		queue:      queue,
		window:     window,
		logger:     logger,
	}
}

// Reconcile uses the newest stored inbound message as the high-water mark.
// A tenant with no inbound history is skipped.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string) (ReconcileResult, error) {
	client, ok := r.sessions.Active(tenantID)
	if !ok {
		return ReconcileResult{}, fmt.Errorf("tenant %s: %w", tenantID, ErrSessionNotConnected)
	}
	hwm, found, err := r.messages.LatestMessageTime(ctx, tenantID, string(chatv1.DirectionIn))
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("high-water mark: %w", err)
	}
	if !found {
		r.logger.Info("gap fill skipped, no history", slog.String("tenant", tenantID))
		return ReconcileResult{}, nil
	}
	return r.ReconcileSince(ctx, tenantID, client, hwm)
}

// ReconcileSince enqueues every one-to-one chat message newer than hwm
// from the client's recent window. A chat that cannot be read is logged
// and skipped; a publish failure stops the run.
func (r *Reconciler) ReconcileSince(ctx context.Context, tenantID string, client session.Client, hwm time.Time) (ReconcileResult, error) {
	var res ReconcileResult
	log := r.logger.With(slog.String("tenant", tenantID))

	chats, err := client.Chats(ctx)
	if err != nil {
		return res, fmt.Errorf("list chats: %w", err)
	}
	for _, c := range chats {
		if c.IsGroup || c.IsBroadcast || !IsPersonalChat(c.ID) {
			continue
		}
		res.Chats++
		msgs, err := client.FetchMessages(ctx, c.ID, r.window)
		if err != nil {
			log.Warn("fetch chat failed", slog.String("chat", c.ID), slog.Any("error", err))
			continue
		}
		for _, m := range msgs {
			res.Scanned++
			if m.ID == "" || !m.Timestamp.After(hwm) {
				continue
			}
			if r.stored(ctx, tenantID, m) {
				res.Skipped++
				continue
			}
			payload := r.normalizer.Derive(ctx, tenantID, client, m)
			if err := r.publisher.Publish(ctx, r.queue, payload); err != nil {
				return res, fmt.Errorf("enqueue %s: %w", m.ID, err)
			}
			res.Enqueued++
		}
	}
	log.Info("gap fill done",
		slog.Time("since", hwm),
		slog.Int("chats", res.Chats),
		slog.Int("scanned", res.Scanned),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("skipped", res.Skipped))
	return res, nil
}

// stored reports whether m is already persisted with everything a new
// delivery could add: its media, or for plain messages an ack at least as
// high. Media that failed to download earlier is retried.
func (r *Reconciler) stored(ctx context.Context, tenantID string, m session.RawMessage) bool {
	existing, err := r.messages.FindMessage(ctx, tenantID, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		r.logger.Warn("lookup before gap fill failed", slog.String("tenant", tenantID), slog.String("wa_message_id", m.ID), slog.Any("error", err))
		return false
	}
	if existing.HasMedia() {
		return true
	}
	return !m.HasMedia && existing.Ack >= m.Ack
}
