// Package memory is an in-process store.Store used by tests and by the
// memory store mode of the service.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roboricindustries/raycon-chatsync/internal/store"
)

type Store struct {
	mu sync.Mutex

	tenants   map[string]*store.Tenant
	contacts  map[string]*store.Contact // by id
	byPhone   map[string]string         // tenant|phone -> contact id
	messages  map[string]*store.Message // tenant|waMessageID
	users     map[string]*store.User
	accounts  map[string]*store.Account // by tenant
	followUps map[string]*store.FollowUp
	templates map[string]*store.FollowUpTemplate
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:   make(map[string]*store.Tenant),
		contacts:  make(map[string]*store.Contact),
		byPhone:   make(map[string]string),
		messages:  make(map[string]*store.Message),
		users:     make(map[string]*store.User),
		accounts:  make(map[string]*store.Account),
		followUps: make(map[string]*store.FollowUp),
		templates: make(map[string]*store.FollowUpTemplate),
	}
}

func key(a, b string) string { return a + "|" + b }

func (s *Store) Close() error { return nil }

// Seeding, for records owned by collaborators outside the pipeline.

func (s *Store) PutTenant(t store.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = &t
}

func (s *Store) PutUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = &u
}

func (s *Store) PutAccount(a store.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.TenantID] = &a
}

func (s *Store) PutFollowUp(f store.FollowUp) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	for id, cur := range s.followUps {
		if cur.ContactID == f.ContactID {
			delete(s.followUps, id)
		}
	}
	s.followUps[f.ID] = &f
	return f.ID
}

func (s *Store) PutTemplate(t store.FollowUpTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = &t
}

// Inspection helpers for tests.

func (s *Store) Messages(tenantID string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.TenantID == tenantID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Contacts(tenantID string) []store.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Contact
	for _, c := range s.contacts {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Tenant(id string) (store.Tenant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return store.Tenant{}, false
	}
	return *t, true
}

// MessageStore

func (s *Store) FindMessage(_ context.Context, tenantID, waMessageID string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[key(tenantID, waMessageID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpsertMessage(_ context.Context, m *store.Message) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(m.TenantID, m.WaMessageID)
	cur, ok := s.messages[k]
	if !ok {
		cp := *m
		cp.ID = uuid.NewString()
		s.messages[k] = &cp
		out := cp
		return &out, nil
	}
	cur.ContactID = m.ContactID
	cur.Direction = m.Direction
	cur.Type = m.Type
	cur.Body = m.Body
	cur.CreatedAt = m.CreatedAt
	if m.MediaURL != "" {
		cur.MediaURL, cur.MediaType, cur.FileName = m.MediaURL, m.MediaType, m.FileName
	}
	if m.Ack > cur.Ack {
		cur.Ack = m.Ack
	}
	out := *cur
	return &out, nil
}

func (s *Store) UpdateAck(_ context.Context, tenantID, waMessageID string, ack int) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[key(tenantID, waMessageID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ack > m.Ack {
		m.Ack = ack
	}
	out := *m
	return &out, nil
}

func (s *Store) LatestMessageTime(_ context.Context, tenantID, direction string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, m := range s.messages {
		if m.TenantID != tenantID || (direction != "" && m.Direction != direction) {
			continue
		}
		if !found || m.CreatedAt.After(latest) {
			latest, found = m.CreatedAt, true
		}
	}
	return latest, found, nil
}

// ContactStore

func (s *Store) UpsertContact(_ context.Context, tenantID, phone string, at time.Time) (*store.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, phone)
	if id, ok := s.byPhone[k]; ok {
		cp := *s.contacts[id]
		return &cp, false, nil
	}
	c := &store.Contact{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Phone:         phone,
		Stage:         "lead",
		LastMessageAt: at,
		CreatedAt:     time.Now(),
	}
	s.contacts[c.ID] = c
	s.byPhone[k] = c.ID
	cp := *c
	return &cp, true, nil
}

func (s *Store) GetContact(_ context.Context, tenantID, contactID string) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) AssignContact(_ context.Context, tenantID, contactID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return store.ErrNotFound
	}
	c.AssignedTo = userID
	return nil
}

func (s *Store) BumpLastMessage(_ context.Context, tenantID, contactID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return store.ErrNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	return nil
}

// TenantStore

func (s *Store) DistributionStrategy(_ context.Context, tenantID string) (store.DistributionStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return "", store.ErrNotFound
	}
	if t.DistributionStrategy == "" {
		return store.StrategyManual, nil
	}
	return t.DistributionStrategy, nil
}

func (s *Store) IncrementLeadCounter(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return 0, store.ErrNotFound
	}
	prev := t.LeadCounter
	t.LeadCounter++
	return prev, nil
}

// UserStore

func (s *Store) ActiveSalesUsers(_ context.Context, tenantID string) ([]store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.User
	for _, u := range s.users {
		if u.TenantID == tenantID && u.Role == store.RoleSales && u.Active {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AccountStore

func (s *Store) FindActiveAccount(_ context.Context, tenantID string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[tenantID]
	if !ok || !a.Active {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ActiveAccounts(_ context.Context) ([]store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Account
	for _, a := range s.accounts {
		if a.Active {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (s *Store) MarkConnected(_ context.Context, tenantID, phone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	if phone != "" {
		a.Phone = phone
	}
	a.LastConnected = at
	return nil
}

// FollowUpStore

func (s *Store) ActiveFollowUp(_ context.Context, tenantID, contactID string) (*store.FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.followUps {
		if f.TenantID == tenantID && f.ContactID == contactID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) DeleteFollowUp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.followUps, id)
	return nil
}

func (s *Store) DueFollowUps(_ context.Context, now time.Time, limit int) ([]store.FollowUp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.FollowUp
	for _, f := range s.followUps {
		if !f.SendAt.After(now) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AdvanceFollowUp(_ context.Context, id string, step int, sendAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.followUps[id]
	if !ok {
		return store.ErrNotFound
	}
	f.CurrentStep = step
	f.SendAt = sendAt
	return nil
}

func (s *Store) FollowUpTemplate(_ context.Context, tenantID, templateID string) (*store.FollowUpTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateID]
	if !ok || t.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *t
	cp.Steps = append([]store.FollowUpStep(nil), t.Steps...)
	return &cp, nil
}
