package chat

import "time"

type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "sent"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
	ReceiptPlayed    ReceiptStatus = "played"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Ack levels stored on a message, in increasing order of progress.
const (
	AckError     = -1
	AckPending   = 0
	AckServer    = 1
	AckDelivered = 2
	AckRead      = 3
	AckPlayed    = 4
)

// Ack maps a transport status to the stored ack level.
func (s ReceiptStatus) Ack() int {
	switch s {
	case ReceiptSent:
		return AckServer
	case ReceiptDelivered:
		return AckDelivered
	case ReceiptRead:
		return AckRead
	case ReceiptPlayed:
		return AckPlayed
	case ReceiptFailed:
		return AckError
	}
	return AckPending
}

// ReceiptV1 reports a transport status for one or more sent messages.
type ReceiptV1 struct {
	TenantID     string        `json:"tenantId"`
	Chat         string        `json:"chat"`
	WaMessageIDs []string      `json:"waMessageIds"`
	Status       ReceiptStatus `json:"status"`
	At           time.Time     `json:"at"`
}

func (r *ReceiptV1) Validate() error {
	ve := &ValidationError{}
	if r.TenantID == "" {
		ve.add("tenantId", "required")
	}
	if len(r.WaMessageIDs) == 0 {
		ve.add("waMessageIds", "required")
	}
	switch r.Status {
	case ReceiptSent, ReceiptDelivered, ReceiptRead, ReceiptPlayed, ReceiptFailed:
	case "":
		ve.add("status", "required")
	default:
		ve.add("status", "unknown")
	}
	if r.At.IsZero() {
		ve.add("at", "required")
	}
	return ve.orNil()
}
