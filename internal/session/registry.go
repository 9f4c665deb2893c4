package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roboricindustries/raycon-chatsync/internal/store"
	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

// Hooks receive client traffic for live handles. OnReady runs on its own
// goroutine once per transition into connected; OnMessage and OnReceipt run
// on the client's event goroutine, in order.
type Hooks struct {
	OnReady   func(ctx context.Context, tenantID string)
	OnMessage func(ctx context.Context, tenantID string, client Client, msg RawMessage)
	OnReceipt func(ctx context.Context, tenantID string, receipt chat.ReceiptV1)
}

type RegistryConfig struct {
	Accounts store.AccountStore
	Factory  Factory
	Purger   CredentialPurger // optional
	Status   *StatusBroadcaster
	Logger   *slog.Logger
}

// Registry holds at most one client handle per tenant.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
	lost    map[string]struct{} // dropped by an unexpected disconnect
	hooks   Hooks

	accounts store.AccountStore
	factory  Factory
	purger   CredentialPurger
	status   *StatusBroadcaster
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type handle struct {
	tenantID string
	client   Client // nil until construction finishes
	ready    bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := cfg.Status
	if status == nil {
		status = NewStatusBroadcaster(nil, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		handles:  make(map[string]*handle),
		lost:     make(map[string]struct{}),
		accounts: cfg.Accounts,
		factory:  cfg.Factory,
		purger:   cfg.Purger,
		status:   status,
		logger:   logger.With("component", "session.registry"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetHooks replaces the hooks used for subsequent events.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

func (r *Registry) Status() *StatusBroadcaster { return r.status }

// Start creates and initializes the tenant's client. It is a no-op when a
// handle, even one still being built, is already registered.
func (r *Registry) Start(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	if _, ok := r.handles[tenantID]; ok {
		r.mu.Unlock()
		return nil
	}
	h := &handle{tenantID: tenantID}
	r.handles[tenantID] = h
	delete(r.lost, tenantID)
	r.mu.Unlock()

	account, err := r.accounts.FindActiveAccount(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		r.remove(h)
		r.logger.Info("no active account", slog.String("tenant", tenantID))
		r.status.Set(ctx, tenantID, chat.StateNotConfigured)
		return nil
	}
	if err != nil {
		r.remove(h)
		return fmt.Errorf("find account: %w", err)
	}

	r.status.Set(ctx, tenantID, chat.StateInitializing)

	client, err := r.factory.NewClient(ctx, tenantID, *account)
	if err != nil {
		r.remove(h)
		r.status.SetError(ctx, tenantID, chat.StateError, err)
		return fmt.Errorf("new client: %w", err)
	}
	client.Subscribe(func(ev Event) { r.handleEvent(h, ev) })

	r.mu.Lock()
	if r.handles[tenantID] != h {
		// stopped while the client was being built
		r.mu.Unlock()
		r.destroy(ctx, tenantID, client)
		return nil
	}
	h.client = client
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := client.Initialize(r.ctx); err != nil {
			r.logger.Error("initialize failed", slog.String("tenant", tenantID), slog.Any("error", err))
			if r.remove(h) {
				r.destroy(r.ctx, tenantID, client)
				r.status.SetError(r.ctx, tenantID, chat.StateError, err)
			}
		}
	}()
	return nil
}

// Stop destroys the tenant's client and makes it unreachable for sends.
// Destroy errors are logged only.
func (r *Registry) Stop(ctx context.Context, tenantID string) error {
	r.forget(tenantID)
	client, ok := r.take(tenantID)
	if !ok {
		return nil
	}
	if client != nil {
		r.destroy(ctx, tenantID, client)
	}
	r.status.Set(ctx, tenantID, chat.StateDisconnected)
	return nil
}

// Logout stops the tenant's session and purges its stored credentials.
func (r *Registry) Logout(ctx context.Context, tenantID string) error {
	r.forget(tenantID)
	if client, _ := r.take(tenantID); client != nil {
		if err := client.Logout(ctx); err != nil {
			r.logger.Warn("logout failed", slog.String("tenant", tenantID), slog.Any("error", err))
		}
		r.destroy(ctx, tenantID, client)
	}
	if r.purger != nil {
		if err := r.purger.Purge(ctx, tenantID); err != nil {
			r.logger.Error("purge credentials failed", slog.String("tenant", tenantID), slog.Any("error", err))
		}
	}
	r.status.Set(ctx, tenantID, chat.StateLoggedOut)
	return nil
}

// Active returns the tenant's client while it is connected.
func (r *Registry) Active(tenantID string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok || !h.ready || h.client == nil {
		return nil, false
	}
	return h.client, true
}

// Connected lists tenants whose client is ready, sorted.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, h := range r.handles {
		if h.ready && h.client != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Resume restarts tenants whose session was dropped by a disconnect rather
// than stopped. Tenants that logged out are not resumed.
func (r *Registry) Resume(ctx context.Context) error {
	r.mu.Lock()
	tenants := make([]string, 0, len(r.lost))
	for id := range r.lost {
		tenants = append(tenants, id)
	}
	r.mu.Unlock()
	sort.Strings(tenants)

	var errs []error
	for _, id := range tenants {
		if err := r.Start(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) State(tenantID string) chat.SessionState {
	return r.status.Snapshot(tenantID).State
}

// Close destroys every client without purging credentials and waits for
// background work.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	r.mu.Unlock()

	for id, h := range handles {
		if h.client != nil {
			r.destroy(ctx, id, h.client)
		}
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) handleEvent(h *handle, ev Event) {
	ctx := r.ctx
	switch ev.Kind {
	case EventQR:
		if r.live(h) {
			r.status.SetQR(ctx, h.tenantID, ev.QR)
		}
	case EventAuthenticated:
		if r.live(h) {
			r.status.Set(ctx, h.tenantID, chat.StateAuthenticated)
		}
	case EventAuthFailure:
		if r.live(h) {
			r.status.SetError(ctx, h.tenantID, chat.StateAuthFailure, ev.Err)
		}
	case EventReady:
		r.mu.Lock()
		live := r.handles[h.tenantID] == h
		first := live && !h.ready
		if first {
			h.ready = true
		}
		onReady := r.hooks.OnReady
		if first && onReady != nil {
			r.wg.Add(1)
		}
		r.mu.Unlock()
		if !first {
			return
		}
		r.logger.Info("session ready", slog.String("tenant", h.tenantID))
		r.status.Set(ctx, h.tenantID, chat.StateConnected)
		if onReady != nil {
			go func() {
				defer r.wg.Done()
				onReady(ctx, h.tenantID)
			}()
		}
	case EventDisconnected, EventLoggedOut:
		if !r.remove(h) {
			return
		}
		state := chat.StateDisconnected
		if ev.Kind == EventLoggedOut {
			state = chat.StateLoggedOut
		}
		r.logger.Warn("session lost", slog.String("tenant", h.tenantID), slog.String("state", string(state)), slog.Any("error", ev.Err))
		r.status.SetError(ctx, h.tenantID, state, ev.Err)
		r.mu.Lock()
		client := h.client
		if ev.Kind == EventDisconnected {
			r.lost[h.tenantID] = struct{}{}
		}
		r.wg.Add(1)
		r.mu.Unlock()
		go func() {
			defer r.wg.Done()
			if client != nil {
				r.destroy(ctx, h.tenantID, client)
			}
		}()
	case EventMessage:
		r.mu.Lock()
		onMessage := r.hooks.OnMessage
		r.mu.Unlock()
		if ev.Message == nil || onMessage == nil {
			return
		}
		if client, ok := r.liveClient(h); ok {
			onMessage(ctx, h.tenantID, client, *ev.Message)
		}
	case EventReceipt:
		r.mu.Lock()
		onReceipt := r.hooks.OnReceipt
		r.mu.Unlock()
		if ev.Receipt != nil && onReceipt != nil && r.live(h) {
			onReceipt(ctx, h.tenantID, *ev.Receipt)
		}
	}
}

func (r *Registry) live(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[h.tenantID] == h
}

func (r *Registry) liveClient(h *handle) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.tenantID] != h || h.client == nil {
		return nil, false
	}
	return h.client, true
}

// remove unregisters h if it is still the tenant's handle.
func (r *Registry) remove(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.tenantID] != h {
		return false
	}
	delete(r.handles, h.tenantID)
	h.ready = false
	return true
}

func (r *Registry) forget(tenantID string) {
	r.mu.Lock()
	delete(r.lost, tenantID)
	r.mu.Unlock()
}

func (r *Registry) take(tenantID string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	if !ok {
		return nil, false
	}
	delete(r.handles, tenantID)
	h.ready = false
	return h.client, true
}

func (r *Registry) destroy(ctx context.Context, tenantID string, client Client) {
	if err := client.Destroy(ctx); err != nil {
		r.logger.Warn("destroy failed", slog.String("tenant", tenantID), slog.Any("error", err))
	}
}
