// Package wa implements session.Client on top of whatsmeow, with one
// sqlite credential database per tenant.
package wa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
)

type Config struct {
	SessionDir    string
	HistoryWindow int       // messages cached per chat
	QROut         io.Writer // optional terminal for pairing codes
	Logger        *slog.Logger
}

// Factory builds whatsmeow-backed clients and owns their credential
// databases.
type Factory struct {
	cfg      Config
	accounts store.AccountStore
	logger   *slog.Logger

	mu         sync.Mutex
	containers map[string]*sqlstore.Container
}

var (
	_ session.Factory          = (*Factory)(nil)
	_ session.CredentialPurger = (*Factory)(nil)
)

func NewFactory(cfg Config, accounts store.AccountStore) (*Factory, error) {
	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:        cfg,
		accounts:   accounts,
		logger:     logger.With("component", "wa"),
		containers: make(map[string]*sqlstore.Container),
	}, nil
}

func (f *Factory) NewClient(_ context.Context, tenantID string, account store.Account) (session.Client, error) {
	container, err := f.container(tenantID)
	if err != nil {
		return nil, err
	}
	device, err := container.GetFirstDevice()
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	logger := f.logger.With(slog.String("tenant", tenantID), slog.String("session", account.SessionName))
	cli := whatsmeow.NewClient(device, newLogger(logger, "client"))

	onReady := func(phone string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := f.accounts.MarkConnected(ctx, tenantID, phone, time.Now().UTC()); err != nil {
			logger.Warn("mark connected", slog.Any("error", err))
		}
	}
	return newClient(tenantID, cli, f.cfg.HistoryWindow, f.cfg.QROut, onReady, logger), nil
}

func (f *Factory) container(tenantID string) (*sqlstore.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[tenantID]; ok {
		return c, nil
	}
	dsn := "file:" + f.dbPath(tenantID) + "?_foreign_keys=on"
	c, err := sqlstore.New("sqlite3", dsn, newLogger(f.logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	f.containers[tenantID] = c
	return c, nil
}

func (f *Factory) dbPath(tenantID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, tenantID)
	return filepath.Join(f.cfg.SessionDir, "tenant-"+name+".db")
}

// Purge deletes the tenant's device record and credential database.
func (f *Factory) Purge(_ context.Context, tenantID string) error {
	f.mu.Lock()
	c, ok := f.containers[tenantID]
	delete(f.containers, tenantID)
	f.mu.Unlock()

	var errs []error
	if ok {
		devices, err := c.GetAllDevices()
		if err != nil {
			errs = append(errs, fmt.Errorf("list devices: %w", err))
		}
		for _, d := range devices {
			if err := d.Delete(); err != nil {
				errs = append(errs, fmt.Errorf("delete device: %w", err))
			}
		}
	}
	path := f.dbPath(tenantID)
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
