package common

import (
	"time"

	"github.com/google/uuid"
)

type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name, e.g. msg:new
	Type string `json:"type"`
	// Emitting service
	Producer string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
}

func NewMeta(eventType, producer string) Meta {
	return Meta{
		ID:       uuid.NewString(),
		Type:     eventType,
		Producer: producer,
		Time:     time.Now().UTC(),
	}
}
