package ownership

// HistoryEntry records one ownership transition.
type HistoryEntry struct {
	ObjectID string `json:"objectId"`
	UserID   string `json:"userId"`
	Action   string `json:"action"` // grant, release, enqueue
	Reason   string `json:"reason,omitempty"`
	AtMs     int64  `json:"atMs"`
}

// history is a fixed-size ring of transitions, oldest overwritten first.
type history struct {
	buf   []HistoryEntry
	next  int
	count int
}

func newHistory(size int) *history {
	return &history{buf: make([]HistoryEntry, size)}
}

func (h *history) add(e HistoryEntry) {
	h.buf[h.next] = e
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// tail returns up to limit entries, oldest first. limit <= 0 returns all.
func (h *history) tail(limit int) []HistoryEntry {
	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	out := make([]HistoryEntry, 0, limit)
	start := h.next - limit
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < limit; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}
