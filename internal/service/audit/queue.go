package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

const writeTimeout = 3 * time.Second

// Queue moves Record calls off the caller's goroutine. The relay loop must
// never wait on storage, so Enqueue drops entries when the buffer is full.
type Queue struct {
	recorder Recorder
	entries  chan Entry
	wg       sync.WaitGroup
	once     sync.Once
}

// NewQueue starts a background writer for recorder.
func NewQueue(recorder Recorder, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{
		recorder: recorder,
		entries:  make(chan Entry, size),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue schedules an entry for writing without blocking.
func (q *Queue) Enqueue(entry Entry) bool {
	select {
	case q.entries <- entry:
		return true
	default:
		log.Printf("[audit] queue full, dropping entry transaction=%s event=%s", entry.TransactionID, entry.Event)
		return false
	}
}

// History reads straight from the underlying recorder.
func (q *Queue) History(ctx context.Context, transactionID string) ([]Entry, error) {
	return q.recorder.History(ctx, transactionID)
}

// Close flushes pending entries and stops the writer. Enqueue must not be
// called after Close.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.entries)
	})
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for entry := range q.entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := q.recorder.Record(ctx, entry); err != nil {
			log.Printf("[audit] record failed transaction=%s: %v", entry.TransactionID, err)
		}
		cancel()
	}
}
