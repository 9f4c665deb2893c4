package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/notify"
	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/session/sessiontest"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	"github.com/roboricindustries/raycon-chatsync/internal/store/memory"
	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

type fixture struct {
	reg     *session.Registry
	factory *sessiontest.Factory
	purger  *sessiontest.Purger
	hub     *notify.Hub
	store   *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	st.PutAccount(store.Account{TenantID: "T1", SessionName: "t1", Active: true})
	hub := notify.NewHub("test", nil)
	f := &fixture{
		factory: sessiontest.NewFactory(),
		purger:  &sessiontest.Purger{},
		hub:     hub,
		store:   st,
	}
	f.reg = session.NewRegistry(session.RegistryConfig{
		Accounts: st,
		Factory:  f.factory,
		Purger:   f.purger,
		Status:   session.NewStatusBroadcaster(hub, nil),
	})
	t.Cleanup(func() { f.reg.Close(context.Background()) })
	return f
}

func TestStartIsIdempotentUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.reg.Start(ctx, "T1"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := f.factory.Built("T1"); n != 1 {
		t.Fatalf("built %d clients, want 1", n)
	}
}

func TestStartWithoutAccountIsNotConfigured(t *testing.T) {
	f := newFixture(t)
	if err := f.reg.Start(context.Background(), "T9"); err != nil {
		t.Fatal(err)
	}
	if f.factory.Built("T9") != 0 {
		t.Fatal("client built for unconfigured tenant")
	}
	if got := f.reg.State("T9"); got != chat.StateNotConfigured {
		t.Fatalf("state = %s", got)
	}
	// a later start tries again
	f.store.PutAccount(store.Account{TenantID: "T9", Active: true})
	if err := f.reg.Start(context.Background(), "T9"); err != nil {
		t.Fatal(err)
	}
	if f.factory.Built("T9") != 1 {
		t.Fatal("start after configuration did not build a client")
	}
}

func TestReadyFiresOnReadyOncePerTransition(t *testing.T) {
	f := newFixture(t)
	ready := make(chan string, 4)
	f.reg.SetHooks(session.Hooks{OnReady: func(_ context.Context, tenantID string) { ready <- tenantID }})

	ctx := context.Background()
	if err := f.reg.Start(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	c := f.factory.Client("T1")
	c.Emit(session.Event{Kind: session.EventReady})
	c.Emit(session.Event{Kind: session.EventReady})

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("OnReady not called")
	}
	select {
	case <-ready:
		t.Fatal("OnReady called twice for one transition")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := f.reg.Active("T1"); !ok {
		t.Fatal("ready client not active")
	}
	if got := f.reg.Connected(); len(got) != 1 || got[0] != "T1" {
		t.Fatalf("connected = %v", got)
	}
}

func TestDisconnectUnregistersAndResumeRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Start(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	c := f.factory.Client("T1")
	c.Emit(session.Event{Kind: session.EventReady})
	c.Emit(session.Event{Kind: session.EventDisconnected, Err: errors.New("stream end")})

	if _, ok := f.reg.Active("T1"); ok {
		t.Fatal("disconnected client still active")
	}
	if got := f.reg.State("T1"); got != chat.StateDisconnected {
		t.Fatalf("state = %s", got)
	}

	next := f.factory.Replace("T1")
	if err := f.reg.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if f.factory.Built("T1") != 2 {
		t.Fatal("resume did not rebuild the client")
	}
	// events from the dropped client no longer reach the registry
	c.Emit(session.Event{Kind: session.EventReady})
	if _, ok := f.reg.Active("T1"); ok {
		t.Fatal("stale client became active")
	}
	next.Emit(session.Event{Kind: session.EventReady})
	if _, ok := f.reg.Active("T1"); !ok {
		t.Fatal("resumed client not active")
	}
}

func TestStopDestroysAndIgnoresDestroyError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Start(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	c := f.factory.Client("T1")
	c.DestroyErr = errors.New("already gone")
	c.Emit(session.Event{Kind: session.EventReady})

	if err := f.reg.Stop(ctx, "T1"); err != nil {
		t.Fatalf("stop returned %v", err)
	}
	if c.Destroyed() != 1 {
		t.Fatalf("destroyed %d times", c.Destroyed())
	}
	if _, ok := f.reg.Active("T1"); ok {
		t.Fatal("stopped client still active")
	}
	// stopped tenants are not resumed
	if err := f.reg.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if f.factory.Built("T1") != 1 {
		t.Fatal("resume restarted a stopped tenant")
	}
}

func TestLogoutPurgesEvenWhenPurgeFails(t *testing.T) {
	f := newFixture(t)
	f.purger.Err = errors.New("disk")
	ctx := context.Background()
	if err := f.reg.Start(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	c := f.factory.Client("T1")

	if err := f.reg.Logout(ctx, "T1"); err != nil {
		t.Fatalf("logout returned %v", err)
	}
	if c.LoggedOut() != 1 || c.Destroyed() != 1 {
		t.Fatalf("logout=%d destroy=%d", c.LoggedOut(), c.Destroyed())
	}
	if got := f.purger.Purged(); len(got) != 1 || got[0] != "T1" {
		t.Fatalf("purged = %v", got)
	}
	if got := f.reg.State("T1"); got != chat.StateLoggedOut {
		t.Fatalf("state = %s", got)
	}
}

func TestInitializeFailureUnregisters(t *testing.T) {
	f := newFixture(t)
	c := f.factory.Client("T1")
	c.InitErr = errors.New("no network")
	sub, cancel := f.reg.Status().Subscribe("T1")
	defer cancel()

	if err := f.reg.Start(context.Background(), "T1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(time.Second)
	for {
		select {
		case snap := <-sub:
			if snap.State == chat.StateError {
				if snap.Error != "no network" {
					t.Fatalf("error = %q", snap.Error)
				}
				return
			}
		case <-deadline:
			t.Fatal("no error snapshot")
		}
	}
}

func TestStatusTransitionsArePublished(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.hub.Subscribe(common.TenantTopic("T1"), 16)
	defer cancel()

	ctx := context.Background()
	if err := f.reg.Start(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	c := f.factory.Client("T1")
	c.Emit(session.Event{Kind: session.EventQR, QR: "2@abc"})
	c.Emit(session.Event{Kind: session.EventAuthenticated})
	c.Emit(session.Event{Kind: session.EventReady})

	want := []chat.SessionState{chat.StateInitializing, chat.StateScan, chat.StateAuthenticated, chat.StateConnected}
	for i, w := range want {
		env := <-events
		snap, ok := env.Data.(chat.StatusSnapshotV1)
		if !ok || env.Meta.Type != common.EventStatus {
			t.Fatalf("event %d: %+v", i, env)
		}
		if snap.State != w {
			t.Fatalf("event %d state = %s, want %s", i, snap.State, w)
		}
		if w == chat.StateScan && (snap.QR != "2@abc" || snap.QRDataURL == "") {
			t.Fatalf("scan snapshot missing qr: %+v", snap)
		}
		if w == chat.StateConnected && !snap.Ready {
			t.Fatal("connected snapshot not ready")
		}
	}
}

func TestMessagesFromLiveHandleReachHook(t *testing.T) {
	f := newFixture(t)
	var got []session.RawMessage
	f.reg.SetHooks(session.Hooks{OnMessage: func(_ context.Context, _ string, _ session.Client, m session.RawMessage) { got = append(got, m) }})

	ctx := context.Background()
	if err := f.reg.Start(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	c := f.factory.Client("T1")
	c.Emit(session.Event{Kind: session.EventMessage, Message: &session.RawMessage{ID: "M1"}})
	if err := f.reg.Stop(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	c.Emit(session.Event{Kind: session.EventMessage, Message: &session.RawMessage{ID: "M2"}})

	if len(got) != 1 || got[0].ID != "M1" {
		t.Fatalf("hook saw %+v", got)
	}
}
