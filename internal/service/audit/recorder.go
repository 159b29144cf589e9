package audit

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

// DefaultHistoryLimit caps how many entries are kept per transaction.
const DefaultHistoryLimit = 50

// Entry is one recorded state change of a transaction.
type Entry struct {
	TransactionID string         `json:"transactionId"`
	VisitorID     string         `json:"visitorId,omitempty"`
	Event         string         `json:"event"`
	Status        session.Status `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	At            time.Time      `json:"at"`
}

// EntryFor builds an entry from the transaction's current state.
func EntryFor(event string, txn session.Transaction) Entry {
	return Entry{
		TransactionID: txn.ID,
		VisitorID:     txn.VisitorID,
		Event:         event,
		Status:        txn.Status,
		Reason:        txn.RejectionReason,
		At:            txn.UpdatedAt,
	}
}

// Recorder persists transaction history.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	History(ctx context.Context, transactionID string) ([]Entry, error)
}

// MemoryRecorder keeps capped per-transaction history in process memory.
type MemoryRecorder struct {
	mu      sync.RWMutex
	limit   int
	entries map[string][]Entry
}

// NewMemoryRecorder creates a recorder; limit <= 0 uses DefaultHistoryLimit.
func NewMemoryRecorder(limit int) *MemoryRecorder {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryRecorder{
		limit:   limit,
		entries: make(map[string][]Entry),
	}
}

// Record appends an entry, dropping the oldest beyond the limit.
func (m *MemoryRecorder) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.entries[entry.TransactionID], entry)
	if len(list) > m.limit {
		list = list[len(list)-m.limit:]
	}
	m.entries[entry.TransactionID] = list
	return nil
}

// History returns a copy of the recorded entries, oldest first.
func (m *MemoryRecorder) History(_ context.Context, transactionID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.entries[transactionID]
	copied := make([]Entry, len(list))
	copy(copied, list)
	return copied, nil
}
