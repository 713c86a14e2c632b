package orchestrator

import (
	"encoding/json"
	"sync"
)

// Event is the SSE payload wrapper.
type Event struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

type subscriber chan []byte

// Hub fans events out to the subscribers of a conversation. Slow
// subscribers miss events rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // conversationID -> set of subscribers
}

func NewHub() *Hub { return &Hub{subs: map[string]map[subscriber]struct{}{}} }

func (h *Hub) Subscribe(conversationID string) (<-chan []byte, func()) {
	ch := make(subscriber, 16)
	h.mu.Lock()
	set := h.subs[conversationID]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[conversationID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[conversationID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, conversationID)
				}
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	for ch := range h.subs[ev.ConversationID] {
		// non-blocking send
		select {
		case ch <- b:
		default:
		}
	}
	h.mu.RUnlock()
}

func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}
