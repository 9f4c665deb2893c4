package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

func TestHubDeliversToTopicOnly(t *testing.T) {
	h := NewHub("test", nil)
	a, cancelA := h.Subscribe(common.TenantTopic("T1"), 4)
	defer cancelA()
	b, cancelB := h.Subscribe(common.TenantTopic("T2"), 4)
	defer cancelB()

	if err := h.Publish(context.Background(), common.TenantTopic("T1"), common.EventMessageNew, "x"); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-a:
		if env.Meta.Type != common.EventMessageNew || env.Data != "x" || env.Meta.ID == "" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	default:
		t.Fatal("T1 subscriber got nothing")
	}
	select {
	case env := <-b:
		t.Fatalf("T2 subscriber got %+v", env)
	default:
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub("test", nil)
	ch, cancel := h.Subscribe("tenant:T1", 1)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := h.Publish(context.Background(), "tenant:T1", common.EventStatus, i); err != nil {
			t.Fatal(err)
		}
	}
	if env := <-ch; env.Data != 0 {
		t.Fatalf("first event = %v, want 0", env.Data)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub("test", nil)
	ch, cancel := h.Subscribe("user:U1", 1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	if err := h.Publish(context.Background(), "user:U1", common.EventNewNotification, nil); err != nil {
		t.Fatal(err)
	}
}

type failing struct{ err error }

func (f failing) Publish(context.Context, string, string, any) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	h := NewHub("test", nil)
	ch, cancel := h.Subscribe("tenant:T1", 1)
	defer cancel()

	err := Multi{failing{boom}, h}.Publish(context.Background(), "tenant:T1", common.EventStatus, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(ch) != 1 {
		t.Fatal("hub not reached after failing member")
	}
}
