package session

import "sync"

// Hub fans session snapshots out to stream subscribers. Slow subscribers
// only ever see the latest snapshot.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Snapshot]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Snapshot]struct{})}
}

// Subscribe returns a channel of snapshots for sessionID and a cancel function.
// The channel is closed when the session closes or cancel is called.
func (h *Hub) Subscribe(sessionID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Snapshot]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subs[sessionID]; ok {
				if _, ok := subs[ch]; ok {
					delete(subs, ch)
					close(ch)
				}
				if len(subs) == 0 {
					delete(h.subs, sessionID)
				}
			}
		})
	}
	return ch, cancel
}

// Notify implements Observer
func (h *Hub) Notify(ev Event) {
	switch ev.Type {
	case EventChanged:
		h.publish(ev.SessionID, ev.Snapshot)
	case EventClosed:
		h.closeSession(ev.SessionID)
	}
}

func (h *Hub) publish(sessionID string, snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[sessionID] {
		select {
		case ch <- snap:
		default:
			// replace the stale snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (h *Hub) closeSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}
