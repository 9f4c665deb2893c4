package pg

import (
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/store"
)

func messageFor(tenant, contact, waID string, at time.Time, ack int) *store.Message {
	return &store.Message{
		TenantID:    tenant,
		ContactID:   contact,
		WaMessageID: waID,
		Direction:   "in",
		Type:        "text",
		Body:        "hi",
		Ack:         ack,
		CreatedAt:   at,
	}
}
