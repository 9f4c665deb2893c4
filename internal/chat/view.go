package chat

import (
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/store"
)

// MessageView is the broadcast shape of a persisted message.
type MessageView struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	ContactID string          `json:"contactId"`
	Direction string          `json:"direction"`
	Type      string          `json:"type"`
	Body      string          `json:"body"`
	CreatedAt time.Time       `json:"createdAt"`
	Meta      MessageViewMeta `json:"meta"`
}

type MessageViewMeta struct {
	WaMessageID string `json:"waMessageId"`
	Ack         int    `json:"ack"`
	HasMedia    bool   `json:"hasMedia"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	MediaType   string `json:"mediaType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
}

func viewOf(m *store.Message) MessageView {
	return MessageView{
		ID:        m.ID,
		TenantID:  m.TenantID,
		ContactID: m.ContactID,
		Direction: m.Direction,
		Type:      m.Type,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		Meta: MessageViewMeta{
			WaMessageID: m.WaMessageID,
			Ack:         m.Ack,
			HasMedia:    m.HasMedia(),
			MediaURL:    m.MediaURL,
			MediaType:   m.MediaType,
			FileName:    m.FileName,
		},
	}
}
