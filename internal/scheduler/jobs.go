package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/chat"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	chatv1 "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

// Reconciler is the part of chat.Service the reconcile job drives.
type Reconciler interface {
	ConnectedTenants() []string
	Reconcile(ctx context.Context, tenantID string) (chat.ReconcileResult, error)
}

// Resumer restarts sessions dropped by a disconnect.
type Resumer interface {
	Resume(ctx context.Context) error
}

// ReconcileJob restarts lost sessions, then runs gap fill for every
// connected tenant. One tenant failing does not stop the others.
func ReconcileJob(r Reconciler, resumer Resumer, logger *slog.Logger) func(context.Context) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		if resumer != nil {
			if err := resumer.Resume(ctx); err != nil {
				logger.Warn("resume sessions failed", slog.Any("error", err))
			}
		}
		var errs []error
		for _, tenantID := range r.ConnectedTenants() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := r.Reconcile(ctx, tenantID); err != nil {
				if errors.Is(err, chat.ErrSessionNotConnected) {
					continue
				}
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			}
		}
		return errors.Join(errs...)
	}
}

// Enqueuer queues an outgoing task.
type Enqueuer interface {
	EnqueueOutgoing(ctx context.Context, task chatv1.OutgoingTaskV1) error
}

type FollowUpStore interface {
	store.FollowUpStore
	GetContact(ctx context.Context, tenantID, contactID string) (*store.Contact, error)
}

// FollowUps sends the due step of every automated follow-up sequence.
type FollowUps struct {
	store  FollowUpStore
	out    Enqueuer
	batch  int
	now    func() time.Time
	logger *slog.Logger
}

func NewFollowUps(st FollowUpStore, out Enqueuer, batch int, logger *slog.Logger) *FollowUps {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowUps{store: st, out: out, batch: batch, now: time.Now, logger: logger.With("job", "followups")}
}

// Run processes one batch of due sequences. A sequence whose template,
// step or contact is gone is deleted. A failed enqueue leaves the
// sequence due so the next run retries it.
func (f *FollowUps) Run(ctx context.Context) error {
	due, err := f.store.DueFollowUps(ctx, f.now().UTC(), f.batch)
	if err != nil {
		return fmt.Errorf("due follow-ups: %w", err)
	}
	for _, fu := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.process(ctx, fu); err != nil {
			f.logger.Error("follow-up failed",
				slog.String("id", fu.ID),
				slog.String("tenant", fu.TenantID),
				slog.Any("error", err))
		}
	}
	return nil
}

func (f *FollowUps) process(ctx context.Context, fu store.FollowUp) error {
	log := f.logger.With(slog.String("id", fu.ID), slog.String("tenant", fu.TenantID))

	tpl, err := f.store.FollowUpTemplate(ctx, fu.TenantID, fu.TemplateID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("template gone, dropping sequence", slog.String("template", fu.TemplateID))
		return f.store.DeleteFollowUp(ctx, fu.ID)
	}
	if err != nil {
		return fmt.Errorf("template: %w", err)
	}
	if _, err := f.store.GetContact(ctx, fu.TenantID, fu.ContactID); errors.Is(err, store.ErrNotFound) {
		log.Warn("contact gone, dropping sequence", slog.String("contact", fu.ContactID))
		return f.store.DeleteFollowUp(ctx, fu.ID)
	} else if err != nil {
		return fmt.Errorf("contact: %w", err)
	}
	if fu.CurrentStep < 0 || fu.CurrentStep >= len(tpl.Steps) || tpl.Steps[fu.CurrentStep].Message == "" {
		log.Warn("step missing, dropping sequence", slog.Int("step", fu.CurrentStep))
		return f.store.DeleteFollowUp(ctx, fu.ID)
	}

	task := chatv1.OutgoingTaskV1{
		TenantID:  fu.TenantID,
		ContactID: fu.ContactID,
		Body:      tpl.Steps[fu.CurrentStep].Message,
	}
	if err := f.out.EnqueueOutgoing(ctx, task); err != nil {
		return fmt.Errorf("enqueue step %d: %w", fu.CurrentStep, err)
	}

	next := fu.CurrentStep + 1
	if next >= len(tpl.Steps) {
		log.Info("follow-up sequence complete", slog.String("contact", fu.ContactID))
		return f.store.DeleteFollowUp(ctx, fu.ID)
	}
	sendAt := f.now().UTC().Add(tpl.Steps[next].Delay)
	log.Info("follow-up step queued", slog.Int("step", fu.CurrentStep), slog.Time("next_at", sendAt))
	return f.store.AdvanceFollowUp(ctx, fu.ID, next, sendAt)
}
