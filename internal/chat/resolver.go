package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/notify"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

// ResolverStore is what contact resolution reads and writes.
type ResolverStore interface {
	store.ContactStore
	store.TenantStore
	store.UserStore
	store.FollowUpStore
}

// Resolver finds or creates the contact behind a chat identity and runs
// the assignment and notification side effects of a new message.
type Resolver struct {
	store       ResolverStore
	notify      notify.Publisher
	countryCode string
	logger      *slog.Logger
}

func NewResolver(st ResolverStore, pub notify.Publisher, countryCode string, logger *slog.Logger) *Resolver {
	if pub == nil {
		pub = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, notify: pub, countryCode: countryCode, logger: logger}
}

type ResolveInput struct {
	TenantID string
	Identity string    // raw phone or chat id
	Inbound  bool      // first delivery of a message the contact sent
	At       time.Time // origin time of the message
}

// Resolve returns the contact and whether this call created it. Side
// effect failures are logged; only contact persistence errors are returned.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*store.Contact, bool, error) {
	phone := NormalizePhone(in.Identity, r.countryCode)
	if phone == "" {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidPhone, in.Identity)
	}
	contact, created, err := r.store.UpsertContact(ctx, in.TenantID, phone, in.At)
	if err != nil {
		return nil, false, fmt.Errorf("upsert contact: %w", err)
	}

	switch {
	case created && in.Inbound:
		if err := r.assign(ctx, contact); err != nil {
			r.logger.Error("lead assignment failed",
				slog.String("tenant", in.TenantID),
				slog.String("contact", contact.ID),
				slog.Any("error", err))
		}
	case in.Inbound:
		r.onReply(ctx, contact)
	}

	if err := r.store.BumpLastMessage(ctx, in.TenantID, contact.ID, in.At); err != nil {
		return nil, false, fmt.Errorf("bump last message: %w", err)
	}
	if in.At.After(contact.LastMessageAt) {
		contact.LastMessageAt = in.At
	}
	return contact, created, nil
}

// assign gives a new lead to the next sales user in creation order when
// the tenant distributes round-robin.
func (r *Resolver) assign(ctx context.Context, c *store.Contact) error {
	strategy, err := r.store.DistributionStrategy(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("distribution strategy: %w", err)
	}
	if strategy != store.StrategyRoundRobin {
		return nil
	}
	users, err := r.store.ActiveSalesUsers(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("sales users: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	prev, err := r.store.IncrementLeadCounter(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("lead counter: %w", err)
	}
	user := users[prev%int64(len(users))]
	if err := r.store.AssignContact(ctx, c.TenantID, c.ID, user.ID); err != nil {
		return fmt.Errorf("assign contact: %w", err)
	}
	c.AssignedTo = user.ID

	r.logger.Info("lead assigned",
		slog.String("tenant", c.TenantID),
		slog.String("contact", c.ID),
		slog.String("user", user.ID))
	r.notifyUser(ctx, common.Notice{
		Code:      common.NoticeNewLead,
		TenantID:  c.TenantID,
		UserID:    user.ID,
		ContactID: c.ID,
		Text:      "New lead assigned: " + c.Phone,
		Link:      "/contacts/" + c.ID,
	})
	return nil
}

// onReply stops an automated sequence once the contact answers and tells
// the assignee about the message.
func (r *Resolver) onReply(ctx context.Context, c *store.Contact) {
	fu, err := r.store.ActiveFollowUp(ctx, c.TenantID, c.ID)
	switch {
	case err == nil:
		if err := r.store.DeleteFollowUp(ctx, fu.ID); err != nil {
			r.logger.Error("cancel follow-up failed", slog.String("followup", fu.ID), slog.Any("error", err))
			break
		}
		if fu.StartedBy != "" {
			r.notifyUser(ctx, common.Notice{
				Code:      common.NoticeFollowUpCancelled,
				TenantID:  c.TenantID,
				UserID:    fu.StartedBy,
				ContactID: c.ID,
				Text:      "Follow-up stopped: " + displayName(c) + " replied",
				Link:      "/contacts/" + c.ID,
			})
		}
	case !errors.Is(err, store.ErrNotFound):
		r.logger.Error("load follow-up failed", slog.String("contact", c.ID), slog.Any("error", err))
	}

	if c.AssignedTo != "" {
		r.notifyUser(ctx, common.Notice{
			Code:      common.NoticeNewMessage,
			TenantID:  c.TenantID,
			UserID:    c.AssignedTo,
			ContactID: c.ID,
			Text:      "New message from " + displayName(c),
			Link:      "/chat/" + c.ID,
		})
	}
}

func (r *Resolver) notifyUser(ctx context.Context, n common.Notice) {
	if err := r.notify.Publish(ctx, common.UserTopic(n.UserID), common.EventNewNotification, n); err != nil {
		r.logger.Warn("notification failed", slog.String("user", n.UserID), slog.Any("error", err))
	}
}

func displayName(c *store.Contact) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Phone
}
