package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/pkg/pubsub"
	chatv1 "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

func seedContact(t *testing.T, f *fixture, phone string) string {
	t.Helper()
	c, _, err := f.store.UpsertContact(context.Background(), "T1", phone, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	return c.ID
}

func TestDispatchWhileDisconnectedRequeues(t *testing.T) {
	f := newFixture(t)
	contactID := seedContact(t, f, "201234")
	c := f.connect(t, "T1")
	c.Emit(session.Event{Kind: session.EventDisconnected})

	task := chatv1.OutgoingTaskV1{TenantID: "T1", ContactID: contactID, Body: "hello"}
	err := f.svc.OutgoingHandler()(context.Background(), delivery(t, task))

	if !errors.Is(err, ErrSessionNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if errors.Is(err, pubsub.ErrPoison) {
		t.Fatal("disconnected session must not drop the task")
	}
	if len(c.Sent()) != 0 {
		t.Fatal("sent while disconnected")
	}
}

func TestDispatchClientNotConnectedRequeues(t *testing.T) {
	f := newFixture(t)
	contactID := seedContact(t, f, "201234")
	c := f.connect(t, "T1")
	c.SetState(chatv1.StateDisconnected)

	err := f.svc.dispatcher.Handle(context.Background(), chatv1.OutgoingTaskV1{TenantID: "T1", ContactID: contactID, Body: "x"})
	if !errors.Is(err, ErrSessionNotConnected) {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchSendsText(t *testing.T) {
	f := newFixture(t)
	contactID := seedContact(t, f, "201234")
	c := f.connect(t, "T1")

	if err := f.svc.dispatcher.Handle(context.Background(), chatv1.OutgoingTaskV1{TenantID: "T1", ContactID: contactID, Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	sent := c.Sent()
	if len(sent) != 1 || sent[0].Recipient != "201234" || sent[0].Body != "hello" || sent[0].Media != nil {
		t.Fatalf("sent = %+v", sent)
	}
	contact, _ := f.store.GetContact(context.Background(), "T1", contactID)
	if !contact.LastMessageAt.After(time.Unix(0, 0)) {
		t.Fatal("last message not bumped")
	}
	if len(f.store.Messages("T1")) != 0 {
		t.Fatal("dispatcher wrote a message; the echo does that")
	}
}

func TestDispatchSendsMedia(t *testing.T) {
	f := newFixture(t)
	contactID := seedContact(t, f, "201234")
	c := f.connect(t, "T1")
	path := filepath.Join(t.TempDir(), "quote.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o600); err != nil {
		t.Fatal(err)
	}

	task := chatv1.OutgoingTaskV1{
		TenantID:  "T1",
		ContactID: contactID,
		Body:      "your quote",
		MediaInfo: &chatv1.MediaInfoV1{Path: path, MediaType: "application/pdf"},
	}
	if err := f.svc.dispatcher.Handle(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	sent := c.Sent()
	if len(sent) != 1 || sent[0].Media == nil || sent[0].Body != "your quote" {
		t.Fatalf("sent = %+v", sent)
	}
	if m := sent[0].Media; string(m.Data) != "%PDF" || m.FileName != "quote.pdf" || m.MimeType != "application/pdf" {
		t.Fatalf("media = %+v", m)
	}
}

func TestDispatchUnrecoverableTasksAreDropped(t *testing.T) {
	f := newFixture(t)
	contactID := seedContact(t, f, "201234")
	f.connect(t, "T1")
	ctx := context.Background()

	cases := []struct {
		name string
		task chatv1.OutgoingTaskV1
		want error
	}{
		{"invalid", chatv1.OutgoingTaskV1{TenantID: "T1", ContactID: contactID}, ErrInvalidTask},
		{"unknown contact", chatv1.OutgoingTaskV1{TenantID: "T1", ContactID: "nope", Body: "x"}, ErrContactNotFound},
		{"missing file", chatv1.OutgoingTaskV1{TenantID: "T1", ContactID: contactID, MediaInfo: &chatv1.MediaInfoV1{Path: "/does/not/exist.png"}}, ErrMediaMissing},
	}
	for _, tc := range cases {
		err := f.svc.dispatcher.Handle(ctx, tc.task)
		if !errors.Is(err, tc.want) || !errors.Is(err, pubsub.ErrPoison) {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}
}

func TestDispatchSendFailureRequeues(t *testing.T) {
	f := newFixture(t)
	contactID := seedContact(t, f, "201234")
	c := f.connect(t, "T1")
	c.SendErr = errBoom

	err := f.svc.dispatcher.Handle(context.Background(), chatv1.OutgoingTaskV1{TenantID: "T1", ContactID: contactID, Body: "x"})
	if !errors.Is(err, errBoom) || errors.Is(err, pubsub.ErrPoison) {
		t.Fatalf("err = %v", err)
	}
}

func TestTenantLimiterIsPerTenant(t *testing.T) {
	l := newTenantLimiter(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.wait(ctx, "T1"); err != nil {
		t.Fatal(err)
	}
	if err := l.wait(ctx, "T2"); err != nil {
		t.Fatalf("other tenant throttled: %v", err)
	}
	if err := l.wait(ctx, "T1"); err == nil {
		t.Fatal("second send within burst window not throttled")
	}
}
