package wa

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

var (
	own  = types.NewJID("201000000000", types.DefaultUserServer)
	peer = types.NewJID("201234", types.DefaultUserServer)
)

func TestConvertInboundText(t *testing.T) {
	at := time.Unix(1700000000, 0)
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: peer, Sender: peer},
		ID:            "M1",
		Timestamp:     at,
	}
	raw := convertMessage(info, &waE2E.Message{Conversation: proto.String("hi")}, own)

	if raw.ID != "M1" || raw.Type != "chat" || raw.Body != "hi" {
		t.Fatalf("raw = %+v", raw)
	}
	if raw.From != "201234@s.whatsapp.net" || raw.To != "201000000000@s.whatsapp.net" || raw.FromMe {
		t.Fatalf("parties = %q -> %q", raw.From, raw.To)
	}
	if !raw.Timestamp.Equal(at) || raw.Ack != chat.AckDelivered {
		t.Fatalf("timestamp/ack = %v/%d", raw.Timestamp, raw.Ack)
	}
}

func TestConvertOutboundDocument(t *testing.T) {
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Chat: peer, Sender: own, IsFromMe: true},
		ID:            "M2",
	}
	msg := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:  proto.String("quote"),
		Mimetype: proto.String("application/pdf"),
		FileName: proto.String("q.pdf"),
	}}
	raw := convertMessage(info, msg, own)

	if !raw.FromMe || raw.To != peer.String() || raw.Ack != chat.AckServer {
		t.Fatalf("raw = %+v", raw)
	}
	if raw.Type != "document" || !raw.HasMedia || raw.FileName != "q.pdf" || raw.Body != "quote" {
		t.Fatalf("media fields = %+v", raw)
	}
	if raw.Source != msg {
		t.Fatal("source not kept for download")
	}
}

func TestSentMessageEchoesAsSelfSent(t *testing.T) {
	at := time.Unix(1700000000, 0)
	msg := &waE2E.Message{Conversation: proto.String("hello")}
	raw := sentMessage(peer, own, whatsmeow.SendResponse{ID: "SENT1", Timestamp: at}, msg)

	if raw.ID != "SENT1" || !raw.FromMe || raw.Body != "hello" || raw.Type != "chat" {
		t.Fatalf("raw = %+v", raw)
	}
	if raw.From != "201000000000@s.whatsapp.net" || raw.To != "201234@s.whatsapp.net" || raw.Chat != "201234@s.whatsapp.net" {
		t.Fatalf("parties = %q -> %q in %q", raw.From, raw.To, raw.Chat)
	}
	if !raw.Timestamp.Equal(at) || raw.Ack != chat.AckServer || raw.Source != msg {
		t.Fatalf("raw = %+v", raw)
	}

	w := newWindowCache(10)
	w.add(raw)
	if got := w.recent(raw.Chat, 10); len(got) != 1 || got[0].ID != "SENT1" {
		t.Fatalf("window = %+v", got)
	}
}

func TestSentMediaWithoutServerTimestamp(t *testing.T) {
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/png")}}
	raw := sentMessage(peer, own, whatsmeow.SendResponse{ID: "SENT2"}, msg)
	if !raw.HasMedia || raw.Type != "image" || raw.MimeType != "image/png" || raw.Timestamp.IsZero() {
		t.Fatalf("raw = %+v", raw)
	}
}

func TestConvertReceipt(t *testing.T) {
	r := &events.Receipt{
		MessageSource: types.MessageSource{Chat: peer, Sender: peer},
		MessageIDs:    []types.MessageID{"M1", "M2"},
		Timestamp:     time.Unix(1700000000, 0),
		Type:          types.ReceiptTypeRead,
	}
	got, ok := convertReceipt("T1", r)
	if !ok || got.Status != chat.ReceiptRead || len(got.WaMessageIDs) != 2 || got.TenantID != "T1" {
		t.Fatalf("receipt = %+v ok=%v", got, ok)
	}

	r.Type = types.ReceiptTypeRetry
	if _, ok := convertReceipt("T1", r); ok {
		t.Fatal("retry receipt converted")
	}
}

func TestRecipientJID(t *testing.T) {
	jid, err := recipientJID("201234")
	if err != nil || jid.String() != "201234@s.whatsapp.net" {
		t.Fatalf("jid = %v, %v", jid, err)
	}
	jid, err = recipientJID("120363@g.us")
	if err != nil || jid.Server != types.GroupServer {
		t.Fatalf("jid = %v, %v", jid, err)
	}
}

func TestFactoryPurgeRemovesDatabase(t *testing.T) {
	f, err := NewFactory(Config{SessionDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.container("T/1"); err != nil {
		t.Fatal(err)
	}
	if err := f.Purge(context.Background(), "T/1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.containers["T/1"]; ok {
		t.Fatal("container still cached")
	}
}
