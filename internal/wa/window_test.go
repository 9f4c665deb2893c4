package wa

import (
	"fmt"
	"testing"
	"time"

	"github.com/roboricindustries/raycon-chatsync/internal/session"
)

func TestWindowCacheKeepsNewestInOrder(t *testing.T) {
	w := newWindowCache(3)
	base := time.Unix(1700000000, 0)
	for _, i := range []int{4, 1, 3, 2, 5} {
		w.add(session.RawMessage{ID: fmt.Sprintf("M%d", i), Chat: "c", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	got := w.recent("c", 0)
	if len(got) != 3 || got[0].ID != "M3" || got[2].ID != "M5" {
		t.Fatalf("window = %+v", got)
	}
	if got := w.recent("c", 1); len(got) != 1 || got[0].ID != "M5" {
		t.Fatalf("limited = %+v", got)
	}
}

func TestWindowCacheReplacesSameID(t *testing.T) {
	w := newWindowCache(10)
	w.add(session.RawMessage{ID: "M1", Chat: "c", Ack: 1})
	w.add(session.RawMessage{ID: "M1", Chat: "c", Ack: 3})
	got := w.recent("c", 0)
	if len(got) != 1 || got[0].Ack != 3 {
		t.Fatalf("window = %+v", got)
	}
	if ids := w.chatIDs(); len(ids) != 1 {
		t.Fatalf("chats = %v", ids)
	}
}
