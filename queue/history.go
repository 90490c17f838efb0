package queue

import "sync"

// DefaultHistoryLimit bounds the per-conversation history when no limit is
// configured.
const DefaultHistoryLimit = 100

// historyStore keeps an ordered, capacity-bounded record sequence per
// conversation key. Oldest records are evicted first.
type historyStore struct {
	mu      sync.Mutex
	limit   int
	records map[string][]Record
}

func newHistoryStore(limit int) *historyStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &historyStore{
		limit:   limit,
		records: make(map[string][]Record),
	}
}

func (h *historyStore) append(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := append(h.records[rec.ConversationKey], rec)
	if len(seq) > h.limit {
		seq = seq[1:]
	}
	h.records[rec.ConversationKey] = seq
}

// get returns up to limit most recent records for key, oldest first. A
// non-positive limit returns everything retained.
func (h *historyStore) get(key string, limit int) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := h.records[key]
	if limit > 0 && limit < len(seq) {
		seq = seq[len(seq)-limit:]
	}
	out := make([]Record, len(seq))
	copy(out, seq)
	return out
}

func (h *historyStore) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = make(map[string][]Record)
}
