package docserver

import stdSync "sync"

// hub fans change events out to the feed connections of each account.
// Slow subscribers lose events rather than block publishers; a single pending
// event is enough for a client to go and check the marker.
type hub struct {
	mu   stdSync.Mutex
	subs map[string]map[chan string]struct{}
}

func newHub() *hub {
	return &hub{subs: map[string]map[chan string]struct{}{}}
}

func (h *hub) subscribe(account string) (<-chan string, func()) {
	ch := make(chan string, 1)
	h.mu.Lock()
	if h.subs[account] == nil {
		h.subs[account] = map[chan string]struct{}{}
	}
	h.subs[account][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs[account], ch)
		if len(h.subs[account]) == 0 {
			delete(h.subs, account)
		}
		h.mu.Unlock()
	}
}

func (h *hub) publish(account, marker string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[account] {
		select {
		case ch <- marker:
		default:
		}
	}
}

func (h *hub) count(account string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[account])
}
