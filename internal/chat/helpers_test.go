package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-chatsync/internal/notify"
	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/session/sessiontest"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	"github.com/roboricindustries/raycon-chatsync/internal/store/memory"
	chatv1 "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

// recordingBroker captures publishes per queue; fail makes it refuse them.
type recordingBroker struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	fail error
}

func newRecordingBroker() *recordingBroker {
	return &recordingBroker{msgs: make(map[string][][]byte)}
}

func (b *recordingBroker) Publish(_ context.Context, queue string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.msgs[queue] = append(b.msgs[queue], body)
	return nil
}

func (b *recordingBroker) incoming(t *testing.T, queue string) []chatv1.IncomingMessageV1 {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []chatv1.IncomingMessageV1
	for _, body := range b.msgs[queue] {
		var m chatv1.IncomingMessageV1
		if err := json.Unmarshal(body, &m); err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

func (b *recordingBroker) count(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs[queue])
}

type fixture struct {
	store    *memory.Store
	hub      *notify.Hub
	broker   *recordingBroker
	factory  *sessiontest.Factory
	registry *session.Registry
	svc      *Service
}

const (
	inQ  = "whatsapp_incoming_messages"
	outQ = "whatsapp_outgoing_messages"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	st.PutTenant(store.Tenant{ID: "T1", DistributionStrategy: store.StrategyManual})
	st.PutAccount(store.Account{TenantID: "T1", SessionName: "t1", Active: true})

	hub := notify.NewHub("test", nil)
	factory := sessiontest.NewFactory()
	reg := session.NewRegistry(session.RegistryConfig{
		Accounts: st,
		Factory:  factory,
		Status:   session.NewStatusBroadcaster(hub, nil),
	})
	broker := newRecordingBroker()
	svc := NewService(Config{
		Store:         st,
		Registry:      reg,
		Broker:        broker,
		Notifier:      hub,
		IncomingQueue: inQ,
		OutgoingQueue: outQ,
		CountryCode:   "20",
		GapFillWindow: 50,
	})
	t.Cleanup(func() { reg.Close(context.Background()) })
	return &fixture{store: st, hub: hub, broker: broker, factory: factory, registry: reg, svc: svc}
}

// connect starts the tenant's session and marks it ready.
func (f *fixture) connect(t *testing.T, tenantID string) *sessiontest.Client {
	t.Helper()
	if err := f.registry.Start(context.Background(), tenantID); err != nil {
		t.Fatal(err)
	}
	c := f.factory.Client(tenantID)
	c.Emit(session.Event{Kind: session.EventReady})
	return c
}

func delivery(t *testing.T, payload any) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Body: body}
}

func incoming(id, from, body string, ack int, at time.Time) chatv1.IncomingMessageV1 {
	return chatv1.IncomingMessageV1{
		TenantID:  "T1",
		From:      from,
		To:        "201000000000@c.us",
		Direction: chatv1.DirectionIn,
		Type:      chatv1.TypeChat,
		Body:      body,
		CreatedAt: at,
		Meta:      chatv1.IncomingMetaV1{WaMessageID: id, Ack: ack},
	}
}

// drain returns every envelope already queued on ch.
func drain(ch <-chan common.Envelope) []common.Envelope {
	var out []common.Envelope
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")

func deliveryBody(body string) amqp.Delivery {
	return amqp.Delivery{Body: []byte(body)}
}
