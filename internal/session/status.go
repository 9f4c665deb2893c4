package session

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/roboricindustries/raycon-chatsync/internal/notify"
	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

// StatusBroadcaster caches the latest snapshot per tenant and publishes
// every transition to the tenant topic and to local subscribers.
type StatusBroadcaster struct {
	mu        sync.Mutex
	snapshots map[string]chat.StatusSnapshotV1
	subs      map[string]map[chan chat.StatusSnapshotV1]struct{}
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewStatusBroadcaster(publisher notify.Publisher, logger *slog.Logger) *StatusBroadcaster {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusBroadcaster{
		snapshots: make(map[string]chat.StatusSnapshotV1),
		subs:      make(map[string]map[chan chat.StatusSnapshotV1]struct{}),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Snapshot returns the latest snapshot, or an uninitialized one.
func (b *StatusBroadcaster) Snapshot(tenantID string) chat.StatusSnapshotV1 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.snapshots[tenantID]; ok {
		return s
	}
	return chat.NewStatusSnapshot(tenantID, chat.StateUninitialized, b.now().UTC())
}

// Subscribe streams snapshots for tenantID, starting with the current one.
// A subscriber that falls behind misses intermediate snapshots.
func (b *StatusBroadcaster) Subscribe(tenantID string) (<-chan chat.StatusSnapshotV1, func()) {
	ch := make(chan chat.StatusSnapshotV1, 8)
	current := b.Snapshot(tenantID)

	b.mu.Lock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[chan chat.StatusSnapshotV1]struct{})
	}
	b.subs[tenantID][ch] = struct{}{}
	ch <- current
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[tenantID], ch)
			if len(b.subs[tenantID]) == 0 {
				delete(b.subs, tenantID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *StatusBroadcaster) Set(ctx context.Context, tenantID string, state chat.SessionState) {
	b.publish(ctx, chat.NewStatusSnapshot(tenantID, state, b.now().UTC()))
}

func (b *StatusBroadcaster) SetError(ctx context.Context, tenantID string, state chat.SessionState, err error) {
	snap := chat.NewStatusSnapshot(tenantID, state, b.now().UTC())
	if err != nil {
		snap.Error = err.Error()
	}
	b.publish(ctx, snap)
}

// SetQR publishes the scan state with the pairing code and its PNG
// rendering. A rendering failure still publishes the raw code.
func (b *StatusBroadcaster) SetQR(ctx context.Context, tenantID, code string) {
	snap := chat.NewStatusSnapshot(tenantID, chat.StateScan, b.now().UTC())
	snap.QR = code
	if url, err := QRDataURL(code); err != nil {
		b.logger.Warn("session: render qr", slog.String("tenant", tenantID), slog.Any("error", err))
	} else {
		snap.QRDataURL = url
	}
	b.publish(ctx, snap)
}

func (b *StatusBroadcaster) publish(ctx context.Context, snap chat.StatusSnapshotV1) {
	b.mu.Lock()
	b.snapshots[snap.TenantID] = snap
	for ch := range b.subs[snap.TenantID] {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Unlock()

	if err := b.publisher.Publish(ctx, common.TenantTopic(snap.TenantID), common.EventStatus, snap); err != nil {
		b.logger.Warn("session: publish status",
			slog.String("tenant", snap.TenantID),
			slog.String("state", string(snap.State)),
			slog.Any("error", err))
	}
}

// QRDataURL renders code as a PNG data URL.
func QRDataURL(code string) (string, error) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", err
	}
	png, err := qr.PNG(256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
