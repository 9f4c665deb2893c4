// Package session supervises one chat automation client per tenant and
// broadcasts its lifecycle to subscribers.
package session

import (
	"context"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/store"
	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventAuthFailure   EventKind = "auth_failure"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventLoggedOut     EventKind = "logged_out"
	EventMessage       EventKind = "message"
	EventReceipt       EventKind = "receipt"
)

// Event is emitted by a Client. Only the fields matching Kind are set.
type Event struct {
	Kind    EventKind
	QR      string
	Err     error
	Message *RawMessage
	Receipt *chat.ReceiptV1
}

// RawMessage is one chat message as the automation client reports it.
type RawMessage struct {
	ID        string
	Chat      string
	From      string
	To        string
	FromMe    bool
	Type      string // vendor type: chat, image, video, audio, document, sticker
	Body      string
	Timestamp time.Time
	Ack       int
	HasMedia  bool
	MimeType  string
	FileName  string

	// Source is the client's native message, kept for DownloadMedia.
	Source any
}

type ChatInfo struct {
	ID          string
	IsGroup     bool
	IsBroadcast bool
}

// Media is a file sent with an optional caption.
type Media struct {
	Data     []byte
	MimeType string
	FileName string
}

// Client is the capability surface of one automation session.
type Client interface {
	// Subscribe registers the handler for every event the client emits.
	// Events are delivered in order from a single goroutine.
	Subscribe(handler func(Event))
	// Initialize connects and, when unpaired, starts emitting QR events.
	// It returns once the connection attempt is under way.
	Initialize(ctx context.Context) error
	SendText(ctx context.Context, recipient, body string) (string, error)
	SendMedia(ctx context.Context, recipient string, media Media, caption string) (string, error)
	State() chat.SessionState
	Chats(ctx context.Context) ([]ChatInfo, error)
	// FetchMessages returns at most limit recent messages of chatID,
	// oldest first.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]RawMessage, error)
	DownloadMedia(ctx context.Context, msg *RawMessage) ([]byte, error)
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Factory builds a client for a tenant's configured account.
type Factory interface {
	NewClient(ctx context.Context, tenantID string, account store.Account) (Client, error)
}

type FactoryFunc func(ctx context.Context, tenantID string, account store.Account) (Client, error)

func (f FactoryFunc) NewClient(ctx context.Context, tenantID string, account store.Account) (Client, error) {
	return f(ctx, tenantID, account)
}

// CredentialPurger removes a tenant's persisted session credentials.
type CredentialPurger interface {
	Purge(ctx context.Context, tenantID string) error
}
