package wa

import (
	"sort"
	"sync"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
)

// windowCache keeps the most recent messages of every chat the client has
// seen through history sync or live traffic.
type windowCache struct {
	mu    sync.Mutex
	size  int
	chats map[string][]session.RawMessage
}

func newWindowCache(size int) *windowCache {
	if size <= 0 {
		size = 200
	}
	return &windowCache{size: size, chats: make(map[string][]session.RawMessage)}
}

func (w *windowCache) add(msg session.RawMessage) {
	if msg.Chat == "" || msg.ID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.chats[msg.Chat]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			w.chats[msg.Chat] = msgs
			return
		}
	}
	msgs = append(msgs, msg)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if len(msgs) > w.size {
		msgs = msgs[len(msgs)-w.size:]
	}
	w.chats[msg.Chat] = msgs
}

func (w *windowCache) chatIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.chats))
	for id := range w.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *windowCache) recent(chatID string, limit int) []session.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.chats[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]session.RawMessage(nil), msgs...)
}
