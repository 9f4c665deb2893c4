package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/media"
	"github.com/roboricindustries/raycon-chatsync/internal/notify"
	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	chatv1 "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

// Normalizer turns client messages into incoming payloads (Derive) and
// persists payloads exactly once per external id (Apply).
type Normalizer struct {
	messages store.MessageStore
	resolver *Resolver
	media    media.Storage // nil disables media persistence
	notify   notify.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewNormalizer(messages store.MessageStore, resolver *Resolver, storage media.Storage, pub notify.Publisher, logger *slog.Logger) *Normalizer {
	if pub == nil {
		pub = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		messages: messages,
		resolver: resolver,
		media:    storage,
		notify:   pub,
		logger:   logger,
		now:      time.Now,
	}
}

// Derive builds the incoming payload for raw. Attached media is downloaded
// and stored; when that fails the payload degrades to text and keeps
// hasMedia so a later delivery can still fill it in.
func (n *Normalizer) Derive(ctx context.Context, tenantID string, client session.Client, raw session.RawMessage) chatv1.IncomingMessageV1 {
	msg := chatv1.IncomingMessageV1{
		TenantID:  tenantID,
		From:      raw.From,
		To:        raw.To,
		Direction: chatv1.DirectionIn,
		Type:      vendorType(raw.Type),
		Body:      raw.Body,
		CreatedAt: raw.Timestamp.UTC(),
		Meta: chatv1.IncomingMetaV1{
			WaMessageID: raw.ID,
			Ack:         raw.Ack,
			HasMedia:    raw.HasMedia,
		},
	}
	if raw.FromMe {
		msg.Direction = chatv1.DirectionOut
	}
	if !raw.HasMedia {
		return msg
	}

	msg.Type = chatv1.TypeText
	if n.media == nil || client == nil {
		return msg
	}
	log := n.logger.With(slog.String("tenant", tenantID), slog.String("wa_message_id", raw.ID))
	data, err := client.DownloadMedia(ctx, &raw)
	if err != nil {
		log.Warn("media download failed, keeping text only", slog.Any("error", err))
		return msg
	}
	stored, err := n.media.Save(ctx, data, raw.MimeType, raw.FileName)
	if err != nil {
		log.Warn("media store failed, keeping text only", slog.Any("error", err))
		return msg
	}
	msg.Type = chatv1.TypeForMIME(raw.MimeType)
	msg.Meta.MediaURL = stored.URL
	msg.Meta.MediaType = raw.MimeType
	msg.Meta.FileName = raw.FileName
	if msg.Meta.FileName == "" {
		msg.Meta.FileName = stored.Key
	}
	return msg
}

func vendorType(t string) chatv1.ContentType {
	switch t {
	case "chat", "text":
		return chatv1.TypeChat
	case "image", "sticker":
		return chatv1.TypeImage
	case "video":
		return chatv1.TypeVideo
	case "audio", "ptt":
		return chatv1.TypeAudio
	case "document", "file":
		return chatv1.TypeFile
	}
	return chatv1.TypeText
}

// Apply persists msg, keyed by (tenant, meta.waMessageId). A replay that
// carries no media for a row that has some only raises the ack. Every
// persist is broadcast to the tenant. Payloads without an origin time are
// stamped with the processing time.
func (n *Normalizer) Apply(ctx context.Context, msg chatv1.IncomingMessageV1) (*store.Message, error) {
	if msg.Meta.WaMessageID == "" {
		return nil, ErrMissingMessageID
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	existing, err := n.messages.FindMessage(ctx, msg.TenantID, msg.Meta.WaMessageID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find message: %w", err)
	}
	if existing != nil && existing.HasMedia() && msg.Meta.MediaURL == "" {
		updated, err := n.messages.UpdateAck(ctx, msg.TenantID, msg.Meta.WaMessageID, msg.Meta.Ack)
		if err != nil {
			return nil, fmt.Errorf("update ack: %w", err)
		}
		n.broadcast(ctx, common.EventMessageNew, updated)
		return updated, nil
	}

	if msg.Direction == "" {
		msg.Direction = chatv1.DirectionIn
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = n.now().UTC()
	}
	typ := msg.Type.Canonical()
	// media whose fetch failed is kept as an empty text row
	if typ == chatv1.TypeText && strings.TrimSpace(msg.Body) == "" && msg.Meta.MediaURL == "" && !msg.Meta.HasMedia {
		return nil, ErrEmptyMessage
	}

	contact, _, err := n.resolver.Resolve(ctx, ResolveInput{
		TenantID: msg.TenantID,
		Identity: msg.Counterparty(),
		Inbound:  !msg.FromMe() && existing == nil,
		At:       msg.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	saved, err := n.messages.UpsertMessage(ctx, &store.Message{
		TenantID:    msg.TenantID,
		ContactID:   contact.ID,
		WaMessageID: msg.Meta.WaMessageID,
		Direction:   string(msg.Direction),
		Type:        string(typ),
		Body:        msg.Body,
		MediaURL:    msg.Meta.MediaURL,
		MediaType:   msg.Meta.MediaType,
		FileName:    msg.Meta.FileName,
		Ack:         msg.Meta.Ack,
		CreatedAt:   msg.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert message: %w", err)
	}
	n.broadcast(ctx, common.EventMessageNew, saved)
	return saved, nil
}

func (n *Normalizer) broadcast(ctx context.Context, event string, m *store.Message) {
	if err := n.notify.Publish(ctx, common.TenantTopic(m.TenantID), event, viewOf(m)); err != nil {
		n.logger.Warn("broadcast failed",
			slog.String("tenant", m.TenantID),
			slog.String("event", event),
			slog.Any("error", err))
	}
}
