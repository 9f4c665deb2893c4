// Package sessiontest provides an in-memory session.Client for tests.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
	"github.com/roboricindustries/raycon-chatsync/internal/store"
	chat "github.com/roboricindustries/raycon-chatsync/pkg/schemas/chat/v1"
)

var ErrNotConnected = errors.New("sessiontest: not connected")

type Sent struct {
	Recipient string
	Body      string
	Media     *session.Media
}

// Client records sends and lets tests emit events.
type Client struct {
	mu        sync.Mutex
	handler   func(session.Event)
	state     chat.SessionState
	chats     []session.ChatInfo
	history   map[string][]session.RawMessage
	media     map[string][]byte
	sent      []Sent
	nextID    int
	destroyed int
	loggedOut int

	InitErr     error
	SendErr     error
	DestroyErr  error
	LogoutErr   error
	DownloadErr error
}

func NewClient() *Client {
	return &Client{
		state:   chat.StateUninitialized,
		history: make(map[string][]session.RawMessage),
		media:   make(map[string][]byte),
	}
}

func (c *Client) Subscribe(handler func(session.Event)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Client) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InitErr != nil {
		return c.InitErr
	}
	// a test may have emitted ready before the registry got here
	if c.state == chat.StateUninitialized {
		c.state = chat.StateInitializing
	}
	return nil
}

// Emit delivers ev to the subscribed handler and tracks connection state.
func (c *Client) Emit(ev session.Event) {
	c.mu.Lock()
	switch ev.Kind {
	case session.EventReady:
		c.state = chat.StateConnected
	case session.EventDisconnected:
		c.state = chat.StateDisconnected
	case session.EventLoggedOut:
		c.state = chat.StateLoggedOut
	}
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Client) SetState(s chat.SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) State() chat.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SendText(_ context.Context, recipient, body string) (string, error) {
	return c.send(Sent{Recipient: recipient, Body: body})
}

func (c *Client) SendMedia(_ context.Context, recipient string, media session.Media, caption string) (string, error) {
	return c.send(Sent{Recipient: recipient, Body: caption, Media: &media})
}

func (c *Client) send(s Sent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return "", c.SendErr
	}
	if c.state != chat.StateConnected {
		return "", ErrNotConnected
	}
	c.nextID++
	c.sent = append(c.sent, s)
	return fmt.Sprintf("SENT%d", c.nextID), nil
}

func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// AddHistory appends msgs to chat's history, registering the chat.
func (c *Client) AddHistory(info session.ChatInfo, msgs ...session.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.history[info.ID]; !ok {
		c.chats = append(c.chats, info)
	}
	c.history[info.ID] = append(c.history[info.ID], msgs...)
}

func (c *Client) SetMedia(messageID string, data []byte) {
	c.mu.Lock()
	c.media[messageID] = data
	c.mu.Unlock()
}

func (c *Client) Chats(context.Context) ([]session.ChatInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.ChatInfo(nil), c.chats...), nil
}

func (c *Client) FetchMessages(_ context.Context, chatID string, limit int) ([]session.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.history[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]session.RawMessage(nil), msgs...), nil
}

func (c *Client) DownloadMedia(_ context.Context, msg *session.RawMessage) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DownloadErr != nil {
		return nil, c.DownloadErr
	}
	data, ok := c.media[msg.ID]
	if !ok {
		return nil, errors.New("sessiontest: no media")
	}
	return data, nil
}

func (c *Client) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut++
	return c.LogoutErr
}

func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	c.state = chat.StateDisconnected
	return c.DestroyErr
}

func (c *Client) Destroyed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Client) LoggedOut() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Factory hands out one prepared client per tenant and counts builds.
type Factory struct {
	mu      sync.Mutex
	clients map[string]*Client
	built   map[string]int
	Err     error
}

func NewFactory() *Factory {
	return &Factory{clients: make(map[string]*Client), built: make(map[string]int)}
}

// Client returns the tenant's client, creating it on first use.
func (f *Factory) Client(tenantID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[tenantID]
	if !ok {
		c = NewClient()
		f.clients[tenantID] = c
	}
	return c
}

// Replace installs a fresh client for the next build of tenantID.
func (f *Factory) Replace(tenantID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := NewClient()
	f.clients[tenantID] = c
	return c
}

func (f *Factory) NewClient(_ context.Context, tenantID string, _ store.Account) (session.Client, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := f.Client(tenantID)
	f.mu.Lock()
	f.built[tenantID]++
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) Built(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[tenantID]
}

// Purger records purge calls.
type Purger struct {
	mu     sync.Mutex
	purged []string
	Err    error
}

func (p *Purger) Purge(_ context.Context, tenantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, tenantID)
	return p.Err
}

func (p *Purger) Purged() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.purged...)
}
