package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	chatv1 "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

// Sessions resolves the live client of a tenant.
type Sessions interface {
	Active(tenantID string) (session.Client, bool)
}

// Dispatcher sends queued outgoing tasks through the tenant's session.
// The persisted outgoing message comes from the client's echo of the send.
type Dispatcher struct {
	sessions Sessions
	contacts store.ContactStore
	limiter  *tenantLimiter
	readFile func(string) ([]byte, error)
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(sessions Sessions, contacts store.ContactStore, perSecond float64, burst int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		contacts: contacts,
		limiter:  newTenantLimiter(perSecond, burst),
		readFile: os.ReadFile,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle sends one task. Content errors wrap pubsub.ErrPoison; a missing
// session or a failed send is returned as is so the task is requeued.
func (d *Dispatcher) Handle(ctx context.Context, task chatv1.OutgoingTaskV1) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	client, ok := d.sessions.Active(task.TenantID)
	if !ok || client.State() != chatv1.StateConnected {
		return fmt.Errorf("tenant %s: %w", task.TenantID, ErrSessionNotConnected)
	}

	contact, err := d.contacts.GetContact(ctx, task.TenantID, task.ContactID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && contact.Phone == "") {
		return fmt.Errorf("%w: %s", ErrContactNotFound, task.ContactID)
	}
	if err != nil {
		return fmt.Errorf("get contact: %w", err)
	}

	var file *session.Media
	if mi := task.MediaInfo; mi != nil {
		data, err := d.readFile(mi.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMediaMissing, mi.Path, err)
		}
		file = &session.Media{Data: data, MimeType: mi.MediaType, FileName: mi.FileName}
		if file.MimeType == "" {
			file.MimeType = "application/octet-stream"
		}
		if file.FileName == "" {
			file.FileName = filepath.Base(mi.Path)
		}
	}

	if err := d.limiter.wait(ctx, task.TenantID); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var id string
	if file != nil {
		id, err = client.SendMedia(ctx, contact.Phone, *file, task.Body)
	} else {
		id, err = client.SendText(ctx, contact.Phone, task.Body)
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", task.ContactID, err)
	}

	// the send happened; a failed bump must not cause a resend
	if err := d.contacts.BumpLastMessage(ctx, task.TenantID, contact.ID, d.now().UTC()); err != nil {
		d.logger.Warn("bump last message failed", slog.String("contact", contact.ID), slog.Any("error", err))
	}
	d.logger.Info("message sent",
		slog.String("tenant", task.TenantID),
		slog.String("contact", contact.ID),
		slog.String("wa_message_id", id),
		slog.Bool("media", file != nil))
	return nil
}

// tenantLimiter paces sends per tenant.
type tenantLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newTenantLimiter(perSecond float64, burst int) *tenantLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &tenantLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *tenantLimiter) wait(ctx context.Context, tenantID string) error {
	l.mu.Lock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
