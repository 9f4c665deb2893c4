// Package store defines the persistence contracts of the chat pipeline and
// the records they exchange. Implementations live in the pg and memory
// subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type DistributionStrategy string

const (
	StrategyManual     DistributionStrategy = "manual"
	StrategyRoundRobin DistributionStrategy = "round-robin"
)

type Tenant struct {
	ID                   string
	Name                 string
	DistributionStrategy DistributionStrategy
	LeadCounter          int64
}

type Contact struct {
	ID            string
	TenantID      string
	Phone         string
	Name          string
	Stage         string
	AssignedTo    string // empty when unassigned
	LastMessageAt time.Time
	CreatedAt     time.Time
}

// Message is keyed by (TenantID, WaMessageID). Only Ack changes after the
// first persist, unless a later delivery carries media the row lacks.
type Message struct {
	ID          string
	TenantID    string
	ContactID   string
	WaMessageID string
	Direction   string
	Type        string
	Body        string
	MediaURL    string
	MediaType   string
	FileName    string
	Ack         int
	CreatedAt   time.Time // origin clock
}

func (m *Message) HasMedia() bool { return m.MediaURL != "" }

type User struct {
	ID        string
	TenantID  string
	Name      string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const RoleSales = "sales"

type Account struct {
	TenantID      string
	SessionName   string
	Phone         string
	Active        bool
	LastConnected time.Time
}

type FollowUp struct {
	ID          string
	TenantID    string
	ContactID   string
	TemplateID  string
	StartedBy   string
	CurrentStep int
	SendAt      time.Time
}

type FollowUpStep struct {
	Delay   time.Duration
	Message string
}

type FollowUpTemplate struct {
	ID       string
	TenantID string
	Name     string
	Steps    []FollowUpStep
}

type MessageStore interface {
	FindMessage(ctx context.Context, tenantID, waMessageID string) (*Message, error)
	// UpsertMessage inserts m or overwrites the row with the same
	// (TenantID, WaMessageID). Concurrent calls converge to one row.
	UpsertMessage(ctx context.Context, m *Message) (*Message, error)
	// UpdateAck raises the stored ack; a lower value leaves it unchanged.
	UpdateAck(ctx context.Context, tenantID, waMessageID string, ack int) (*Message, error)
	// LatestMessageTime returns the newest origin timestamp for the tenant,
	// restricted to direction unless it is empty.
	LatestMessageTime(ctx context.Context, tenantID, direction string) (time.Time, bool, error)
}

type ContactStore interface {
	// UpsertContact finds or atomically creates the (tenantID, phone) contact.
	// created is true only for the writer that inserted the row.
	UpsertContact(ctx context.Context, tenantID, phone string, at time.Time) (c *Contact, created bool, err error)
	GetContact(ctx context.Context, tenantID, contactID string) (*Contact, error)
	AssignContact(ctx context.Context, tenantID, contactID, userID string) error
	// BumpLastMessage moves LastMessageAt forward to at, never backwards.
	BumpLastMessage(ctx context.Context, tenantID, contactID string, at time.Time) error
}

type TenantStore interface {
	DistributionStrategy(ctx context.Context, tenantID string) (DistributionStrategy, error)
	// IncrementLeadCounter atomically increments the counter and returns
	// the value it held before.
	IncrementLeadCounter(ctx context.Context, tenantID string) (int64, error)
}

type UserStore interface {
	// ActiveSalesUsers lists active sales users by creation order, then id.
	ActiveSalesUsers(ctx context.Context, tenantID string) ([]User, error)
}

type AccountStore interface {
	FindActiveAccount(ctx context.Context, tenantID string) (*Account, error)
	ActiveAccounts(ctx context.Context) ([]Account, error)
	MarkConnected(ctx context.Context, tenantID, phone string, at time.Time) error
}

type FollowUpStore interface {
	ActiveFollowUp(ctx context.Context, tenantID, contactID string) (*FollowUp, error)
	DeleteFollowUp(ctx context.Context, id string) error
	DueFollowUps(ctx context.Context, now time.Time, limit int) ([]FollowUp, error)
	AdvanceFollowUp(ctx context.Context, id string, step int, sendAt time.Time) error
	FollowUpTemplate(ctx context.Context, tenantID, templateID string) (*FollowUpTemplate, error)
}

// Store bundles every contract the pipeline needs.
type Store interface {
	MessageStore
	ContactStore
	TenantStore
	UserStore
	AccountStore
	FollowUpStore
	Close() error
}
