package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roboricindustries/raycon-chatsync/internal/chat"
	"github.com/roboricindustries/raycon-chatsync/internal/config"
	"github.com/roboricindustries/raycon-chatsync/internal/media"
	"github.com/roboricindustries/raycon-chatsync/internal/notify"
	"github.com/roboricindustries/raycon-chatsync/internal/scheduler"
	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	"github.com/roboricindustries/raycon-chatsync/internal/store/memory"
	"github.com/roboricindustries/raycon-chatsync/internal/store/pg"
	"github.com/roboricindustries/raycon-chatsync/internal/wa"
	"github.com/roboricindustries/raycon-chatsync/pkg/pubsub"
)

const producer = "raycon-chatsync"

type serveOptions struct {
	printQR bool
	store   string
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run sessions, queue consumers and schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.printQR, "print-qr", false, "render pairing QR codes in this terminal")
	cmd.Flags().StringVar(&opts.store, "store", "", "postgres|memory (default: $CHATSYNC_STORE)")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.NewLoadedConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if opts.store != "" {
		cfg.Store = opts.store
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting chatsync", slog.String("version", Version), slog.String("config", cfg.String()))

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	notifier, closeNotifier, err := openNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	storage, err := openMedia(ctx, cfg)
	if err != nil {
		return err
	}

	broker, err := pubsub.NewClient(ctx, rabbitConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer broker.Close()

	var qrOut io.Writer
	if opts.printQR {
		qrOut = os.Stdout
	}
	factory, err := wa.NewFactory(wa.Config{
		SessionDir:    cfg.SessionDir,
		HistoryWindow: cfg.GapFillWindow,
		QROut:         qrOut,
		Logger:        logger,
	}, st)
	if err != nil {
		return err
	}
	registry := session.NewRegistry(session.RegistryConfig{
		Accounts: st,
		Factory:  factory,
		Purger:   factory,
		Status:   session.NewStatusBroadcaster(notifier, logger),
		Logger:   logger,
	})
	svc := chat.NewService(chat.Config{
		Store:         st,
		Registry:      registry,
		Broker:        broker,
		Notifier:      notifier,
		Media:         storage,
		IncomingQueue: cfg.IncomingQueue,
		OutgoingQueue: cfg.OutgoingQueue,
		CountryCode:   cfg.CountryCode,
		GapFillWindow: cfg.GapFillWindow,
		SendRate:      cfg.SendRatePerSec,
		SendBurst:     cfg.SendBurst,
		Logger:        logger,
	})

	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.Job{
		Name: "reconcile",
		Spec: cfg.ReconcileCron,
		Run:  scheduler.ReconcileJob(svc, registry, logger),
	}); err != nil {
		return err
	}
	if err := sched.Add(scheduler.Job{
		Name: "followups",
		Spec: cfg.FollowUpCron,
		Run:  scheduler.NewFollowUps(st, svc, 100, logger).Run,
	}); err != nil {
		return err
	}

	topo := topology(cfg)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return broker.RunWithConsumers(gctx,
			pubsub.ConsumerSpec{Name: "incoming", QueueTopology: topo[0], Prefetch: cfg.Prefetch, Consume: svc.IncomingHandler()},
			pubsub.ConsumerSpec{Name: "outgoing", QueueTopology: topo[1], Prefetch: cfg.Prefetch, Consume: svc.OutgoingHandler()},
		)
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return startSessions(gctx, st, svc, logger) })

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Close(shutdownCtx)
	logger.Info("chatsync stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store == "memory" {
		return memory.New(), nil
	}
	st, err := pg.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// openNotifier always fans out in process; Redis is added when configured.
func openNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Publisher, func(), error) {
	hub := notify.NewHub(producer, logger)
	if cfg.RedisAddr == "" {
		return hub, func() {}, nil
	}
	r, err := notify.NewRedis(ctx, notify.RedisConfig{
		Address:      cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, producer)
	if err != nil {
		return nil, nil, err
	}
	return notify.Multi{hub, r}, func() { _ = r.Close() }, nil
}

func openMedia(ctx context.Context, cfg *config.Config) (media.Storage, error) {
	if cfg.MediaBackend == "s3" {
		s3, err := media.NewS3Storage(ctx, media.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3PathStyle,
			PublicURL:       cfg.S3PublicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		return s3, nil
	}
	local, err := media.NewLocalStorage(media.LocalConfig{BasePath: cfg.UploadDir, PublicURL: cfg.PublicURL})
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return local, nil
}

func topology(cfg *config.Config) [2]pubsub.QueueTopology {
	var retry *pubsub.RetrySpec
	if cfg.RetryDelay > 0 {
		retry = &pubsub.RetrySpec{Enabled: true, TTL: cfg.RetryDelay, MaxAttempts: cfg.RetryMaxAttempts}
	}
	return [2]pubsub.QueueTopology{
		{Queue: cfg.IncomingQueue, Retry: retry, PoisonToFinal: cfg.PoisonToFinal},
		{Queue: cfg.OutgoingQueue, Retry: retry, PoisonToFinal: cfg.PoisonToFinal},
	}
}

func rabbitConfig(cfg *config.Config) pubsub.RabbitMQConfig {
	backoff := int(cfg.ReconnectBackoff / time.Second)
	topo := topology(cfg)
	return pubsub.RabbitMQConfig{
		URL:                         cfg.AMQPURL,
		Topology:                    topo[:],
		Producer:                    producer,
		PublishPoolSize:             cfg.PublishPoolSize,
		ConsumerPrefetch:            cfg.Prefetch,
		ReconnectBackoffBaseSeconds: backoff,
		ReconnectBackoffCapSeconds:  backoff,
		DialAttempts:                cfg.DialAttempts,
		DialDelay:                   cfg.ReconnectBackoff,
	}
}

// startSessions starts a session for every tenant with an active account.
// A tenant that fails to start is logged and left for the operator.
func startSessions(ctx context.Context, accounts store.AccountStore, svc *chat.Service, logger *slog.Logger) error {
	list, err := accounts.ActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range list {
		if err := svc.StartSession(ctx, a.TenantID); err != nil {
			logger.Error("start session failed", slog.String("tenant", a.TenantID), slog.Any("error", err))
		}
	}
	logger.Info("sessions started", slog.Int("count", len(list)))
	return nil
}
