package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roboricindustries/raycon-chatsync/pkg/schemas/common"
)

// Hub is an in-process Publisher. Slow subscribers lose events rather than
// stall the publisher.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscription]struct{}
	producer string
	logger   *slog.Logger
}

type subscription struct {
	ch   chan common.Envelope
	once sync.Once
}

func NewHub(producer string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:     make(map[string]map[*subscription]struct{}),
		producer: producer,
		logger:   logger,
	}
}

// Subscribe returns a channel of events for topic and a cancel func that
// closes it.
func (h *Hub) Subscribe(topic string, buffer int) (<-chan common.Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscription{ch: make(chan common.Envelope, buffer)}

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*subscription]struct{})
	}
	h.subs[topic][s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[topic], s)
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
		h.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, cancel
}

func (h *Hub) Publish(_ context.Context, topic, event string, payload any) error {
	env := envelope(topic, event, h.producer, payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[topic] {
		select {
		case s.ch <- env:
		default:
			h.logger.Warn("notify: subscriber full, dropping event", "topic", topic, "event", event)
		}
	}
	return nil
}
