package chat

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestIncomingDecodeMigratesLegacyID(t *testing.T) {
	var m IncomingMessageV1
	raw := `{"tenantId":"T1","from":"201234@c.us","direction":"in","type":"chat","body":"hi","waMessageId":"M1","meta":{"ack":1}}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	if m.Meta.WaMessageID != "M1" {
		t.Fatalf("meta.waMessageId = %q, want M1", m.Meta.WaMessageID)
	}
	if m.Meta.Ack != 1 || m.Type.Canonical() != TypeText {
		t.Fatalf("unexpected decode %+v", m)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	_ = json.Unmarshal(out, &back)
	if _, ok := back["waMessageId"]; ok {
		t.Fatal("re-encoded payload must carry the id only in meta")
	}
}

func TestIncomingDecodeKeepsNestedID(t *testing.T) {
	var m IncomingMessageV1
	raw := `{"tenantId":"T1","waMessageId":"old","meta":{"waMessageId":"new"}}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	if m.Meta.WaMessageID != "new" {
		t.Fatalf("nested id must win, got %q", m.Meta.WaMessageID)
	}
}

func TestIncomingValidate(t *testing.T) {
	m := IncomingMessageV1{TenantID: "T1", From: "1@c.us", Direction: DirectionIn, Type: TypeChat}
	err := m.Validate()
	var ve *ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, ErrInvalidContract) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if !ve.HasField("meta.waMessageId") {
		t.Fatalf("issues = %+v", ve.Issues)
	}

	m.Meta.WaMessageID = "M1"
	if err := m.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	out := IncomingMessageV1{TenantID: "T1", From: "me", Direction: DirectionOut, Meta: IncomingMetaV1{WaMessageID: "M2"}}
	if err := out.Validate(); err == nil {
		t.Fatal("self-sent message without to must be rejected")
	}
}

func TestOutgoingValidate(t *testing.T) {
	cases := []struct {
		name string
		task OutgoingTaskV1
		ok   bool
	}{
		{"text", OutgoingTaskV1{TenantID: "T1", ContactID: "C1", Body: "hello"}, true},
		{"media", OutgoingTaskV1{TenantID: "T1", ContactID: "C1", MediaInfo: &MediaInfoV1{Path: "/tmp/a.png"}}, true},
		{"no content", OutgoingTaskV1{TenantID: "T1", ContactID: "C1"}, false},
		{"no tenant", OutgoingTaskV1{ContactID: "C1", Body: "x"}, false},
		{"media without path", OutgoingTaskV1{TenantID: "T1", ContactID: "C1", MediaInfo: &MediaInfoV1{URL: "u"}}, false},
	}
	for _, tc := range cases {
		if err := tc.task.Validate(); (err == nil) != tc.ok {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}
}

func TestTypeForMIME(t *testing.T) {
	cases := map[string]ContentType{
		"image/jpeg":             TypeImage,
		"video/mp4":              TypeVideo,
		"audio/ogg; codecs=opus": TypeAudio,
		"application/pdf":        TypeFile,
		"":                       TypeFile,
	}
	for mime, want := range cases {
		if got := TypeForMIME(mime); got != want {
			t.Errorf("%q: %s, want %s", mime, got, want)
		}
	}
}

func TestReceiptAckOrdering(t *testing.T) {
	if !(ReceiptSent.Ack() < ReceiptDelivered.Ack() && ReceiptDelivered.Ack() < ReceiptRead.Ack()) {
		t.Fatal("ack levels must increase with progress")
	}
	r := ReceiptV1{TenantID: "T1", Status: "bogus"}
	if err := r.Validate(); err == nil {
		t.Fatal("invalid receipt accepted")
	}
}
