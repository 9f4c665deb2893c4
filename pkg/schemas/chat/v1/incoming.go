package chat

import (
	"encoding/json"
	"strings"
	"time"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type ContentType string

const (
	TypeText  ContentType = "text"
	TypeImage ContentType = "image"
	TypeVideo ContentType = "video"
	TypeAudio ContentType = "audio"
	TypeFile  ContentType = "file"

	// TypeChat is the vendor alias for plain text.
	TypeChat ContentType = "chat"
)

// Canonical folds vendor aliases into the stored content types.
func (t ContentType) Canonical() ContentType {
	if t == TypeChat || t == "" {
		return TypeText
	}
	return t
}

func (t ContentType) known() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile, TypeChat:
		return true
	}
	return false
}

// TypeForMIME maps a mime type to a content type by its main part.
func TypeForMIME(mime string) ContentType {
	main, _, _ := strings.Cut(strings.ToLower(mime), "/")
	switch main {
	case "image":
		return TypeImage
	case "video":
		return TypeVideo
	case "audio":
		return TypeAudio
	}
	return TypeFile
}

// IncomingMessageV1 is the payload of the incoming queue. Live events and
// gap-fill reconciliation both produce it.
type IncomingMessageV1 struct {
	TenantID  string         `json:"tenantId"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Direction Direction      `json:"direction"`
	Type      ContentType    `json:"type"`
	Body      string         `json:"body"`
	CreatedAt time.Time      `json:"createdAt"` // origin clock
	Meta      IncomingMetaV1 `json:"meta"`
}

type IncomingMetaV1 struct {
	WaMessageID string `json:"waMessageId"`
	Ack         int    `json:"ack"`
	HasMedia    bool   `json:"hasMedia"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	MediaType   string `json:"mediaType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
}

// UnmarshalJSON accepts older producers that put waMessageId at the top
// level and moves it into meta, the canonical location.
func (m *IncomingMessageV1) UnmarshalJSON(b []byte) error {
	type plain IncomingMessageV1
	var aux struct {
		plain
		LegacyID string `json:"waMessageId"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*m = IncomingMessageV1(aux.plain)
	if m.Meta.WaMessageID == "" {
		m.Meta.WaMessageID = aux.LegacyID
	}
	return nil
}

// FromMe reports whether the session owner sent the message. An empty
// direction reads as inbound.
func (m *IncomingMessageV1) FromMe() bool { return m.Direction == DirectionOut }

// Counterparty returns the chat identity of the other side: self-sent
// messages use "to", received ones "from".
func (m *IncomingMessageV1) Counterparty() string {
	if m.FromMe() {
		return m.To
	}
	return m.From
}

func (m *IncomingMessageV1) Validate() error {
	ve := &ValidationError{}
	if m.TenantID == "" {
		ve.add("tenantId", "required")
	}
	if m.Meta.WaMessageID == "" {
		ve.add("meta.waMessageId", "required")
	}
	switch m.Direction {
	case DirectionIn, DirectionOut, "":
	default:
		ve.add("direction", "must be in or out")
	}
	if m.Counterparty() == "" {
		ve.add("from/to", "counterparty required")
	}
	if m.Type != "" && !m.Type.known() {
		ve.add("type", "unknown")
	}
	return ve.orNil()
}
