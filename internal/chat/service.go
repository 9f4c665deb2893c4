// Package chat is the message pipeline: it resolves contacts, persists
// incoming messages idempotently, dispatches outgoing tasks and fills gaps
// after a session reconnects.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-chatsync/internal/media"
	"github.com/roboricindustries/raycon-chatsync/internal/notify"
	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	"github.com/roboricindustries/raycon-chatsync/pkg/pubsub"
	chatv1 "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

type Config struct {
	Store    store.Store
	Registry *session.Registry
	Broker   pubsub.Publisher // nil runs every incoming message in process
	Notifier notify.Publisher
	Media    media.Storage

	IncomingQueue string
	OutgoingQueue string
	CountryCode   string
	GapFillWindow int
	SendRate      float64
	SendBurst     int

	Logger *slog.Logger
}

// Service wires the pipeline to the session registry and exposes the
// operations used by the HTTP layer and the scheduler.
type Service struct {
	cfg      Config
	store    store.Store
	registry *session.Registry
	broker   pubsub.Publisher
	incoming *pubsub.FallbackPublisher
	notify   notify.Publisher
	logger   *slog.Logger

	resolver   *Resolver
	normalizer *Normalizer
	dispatcher *Dispatcher
	reconciler *Reconciler
	ingestor   *Ingestor
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chat")
	pub := cfg.Notifier
	if pub == nil {
		pub = notify.Discard{}
	}

	s := &Service{
		cfg:      cfg,
		store:    cfg.Store,
		registry: cfg.Registry,
		broker:   cfg.Broker,
		notify:   pub,
		logger:   logger,
	}
	s.resolver = NewResolver(cfg.Store, pub, cfg.CountryCode, logger)
	s.normalizer = NewNormalizer(cfg.Store, s.resolver, cfg.Media, pub, logger)
	s.dispatcher = NewDispatcher(cfg.Registry, cfg.Store, cfg.SendRate, cfg.SendBurst, logger)
	s.incoming = pubsub.NewFallback(cfg.Broker, logger).Route(cfg.IncomingQueue, s.IncomingHandler())
	s.reconciler = NewReconciler(cfg.Registry, cfg.Store, s.normalizer, s.incoming, cfg.IncomingQueue, cfg.GapFillWindow, logger)
	s.ingestor = NewIngestor(s.normalizer, s.incoming, cfg.IncomingQueue, logger)

	cfg.Registry.SetHooks(session.Hooks{
		OnReady:   s.onReady,
		OnMessage: s.ingestor.OnMessage,
		OnReceipt: func(ctx context.Context, _ string, r chatv1.ReceiptV1) {
			if err := s.ApplyReceipt(ctx, r); err != nil {
				logger.Warn("apply receipt failed", slog.String("tenant", r.TenantID), slog.Any("error", err))
			}
		},
	})
	return s
}

// IncomingHandler consumes the incoming queue.
func (s *Service) IncomingHandler() func(context.Context, amqp.Delivery) error {
	return pubsub.JSONHandler(func(ctx context.Context, msg chatv1.IncomingMessageV1) error {
		_, err := s.normalizer.Apply(ctx, msg)
		if errors.Is(err, ErrEmptyMessage) {
			s.logger.Debug("dropping empty message",
				slog.String("tenant", msg.TenantID),
				slog.String("wa_message_id", msg.Meta.WaMessageID))
			return nil
		}
		return err
	})
}

// OutgoingHandler consumes the outgoing queue.
func (s *Service) OutgoingHandler() func(context.Context, amqp.Delivery) error {
	return pubsub.JSONHandler(s.dispatcher.Handle)
}

// EnqueueOutgoing validates task and queues it for sending. It fails when
// the broker is unreachable; nothing is buffered.
func (s *Service) EnqueueOutgoing(ctx context.Context, task chatv1.OutgoingTaskV1) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if s.broker == nil {
		return pubsub.ErrNotConnected
	}
	if err := s.broker.Publish(ctx, s.cfg.OutgoingQueue, task); err != nil {
		return fmt.Errorf("enqueue outgoing: %w", err)
	}
	return nil
}

func (s *Service) StartSession(ctx context.Context, tenantID string) error {
	return s.registry.Start(ctx, tenantID)
}

func (s *Service) StopSession(ctx context.Context, tenantID string) error {
	return s.registry.Stop(ctx, tenantID)
}

func (s *Service) LogoutSession(ctx context.Context, tenantID string) error {
	return s.registry.Logout(ctx, tenantID)
}

// SubscribeStatus streams the tenant's session snapshots, current first.
func (s *Service) SubscribeStatus(tenantID string) (<-chan chatv1.StatusSnapshotV1, func()) {
	return s.registry.Status().Subscribe(tenantID)
}

func (s *Service) SessionStatus(tenantID string) chatv1.StatusSnapshotV1 {
	return s.registry.Status().Snapshot(tenantID)
}

// ApplyReceipt raises the ack of every listed message that is already
// stored and broadcasts the change. Unknown ids are skipped.
func (s *Service) ApplyReceipt(ctx context.Context, r chatv1.ReceiptV1) error {
	if err := r.Validate(); err != nil {
		return err
	}
	ack := r.Status.Ack()
	for _, id := range r.WaMessageIDs {
		m, err := s.store.UpdateAck(ctx, r.TenantID, id, ack)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update ack %s: %w", id, err)
		}
		if err := s.notify.Publish(ctx, common.TenantTopic(r.TenantID), common.EventMessageAck, viewOf(m)); err != nil {
			s.logger.Warn("broadcast ack failed", slog.String("tenant", r.TenantID), slog.Any("error", err))
		}
	}
	return nil
}

// Reconcile runs gap fill for one connected tenant.
func (s *Service) Reconcile(ctx context.Context, tenantID string) (ReconcileResult, error) {
	return s.reconciler.Reconcile(ctx, tenantID)
}

// ConnectedTenants lists tenants with a live session.
func (s *Service) ConnectedTenants() []string {
	return s.registry.Connected()
}

func (s *Service) onReady(ctx context.Context, tenantID string) {
	if _, err := s.reconciler.Reconcile(ctx, tenantID); err != nil {
		s.logger.Error("gap fill failed", slog.String("tenant", tenantID), slog.Any("error", err))
	}
}
