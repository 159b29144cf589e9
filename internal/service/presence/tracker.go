package presence

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

// UnknownOrigin replaces a missing origin hint.
const UnknownOrigin = "unknown"

const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Tracker keeps one VisitorRecord per client connection and evicts records
// that stop heartbeating. It is owned by the relay loop and does no locking.
type Tracker struct {
	visitors map[string]*session.VisitorRecord
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
}

// NewTracker builds a tracker. Non-positive ttl falls back to DefaultTTL.
func NewTracker(ttl time.Duration, now func() time.Time) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		visitors: make(map[string]*session.VisitorRecord),
		ttl:      ttl,
		now:      now,
		newID:    uuid.NewString,
	}
}

// TTL returns the configured silence allowance.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Join creates or refreshes the visitor for connID. created is false for a
// repeat join, in which case firstSeenAt is kept.
func (t *Tracker) Join(connID, originHint, userAgent string) (session.VisitorRecord, bool) {
	now := t.now().UTC()
	origin := strings.TrimSpace(originHint)
	userAgent = strings.TrimSpace(userAgent)

	if rec, ok := t.visitors[connID]; ok {
		rec.LastSeenAt = now
		if origin != "" {
			rec.OriginHint = origin
		}
		if userAgent != "" {
			rec.UserAgent = userAgent
		}
		return *rec, false
	}

	if origin == "" {
		origin = UnknownOrigin
	}
	rec := &session.VisitorRecord{
		VisitorID:    t.newID(),
		ConnectionID: connID,
		OriginHint:   origin,
		UserAgent:    userAgent,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	t.visitors[connID] = rec
	return *rec, true
}

// Heartbeat refreshes lastSeenAt. A heartbeat from an unknown connection is
// an implicit join, reported through joined.
func (t *Tracker) Heartbeat(connID, originHint, userAgent string) (rec session.VisitorRecord, joined bool) {
	if existing, ok := t.visitors[connID]; ok {
		existing.LastSeenAt = t.now().UTC()
		return *existing, false
	}
	return t.Join(connID, originHint, userAgent)
}

// Leave removes the visitor; unknown connections report false.
func (t *Tracker) Leave(connID string) (session.VisitorRecord, bool) {
	rec, ok := t.visitors[connID]
	if !ok {
		return session.VisitorRecord{}, false
	}
	delete(t.visitors, connID)
	return *rec, true
}

// Sweep removes every visitor silent for longer than the TTL.
func (t *Tracker) Sweep() []session.VisitorRecord {
	now := t.now().UTC()
	var evicted []session.VisitorRecord
	for connID, rec := range t.visitors {
		if now.Sub(rec.LastSeenAt) > t.ttl {
			evicted = append(evicted, *rec)
			delete(t.visitors, connID)
		}
	}
	sortRecords(evicted)
	return evicted
}

// Get returns the visitor for a connection.
func (t *Tracker) Get(connID string) (session.VisitorRecord, bool) {
	rec, ok := t.visitors[connID]
	if !ok {
		return session.VisitorRecord{}, false
	}
	return *rec, true
}

// List returns all visitors, earliest arrival first.
func (t *Tracker) List() []session.VisitorRecord {
	records := make([]session.VisitorRecord, 0, len(t.visitors))
	for _, rec := range t.visitors {
		records = append(records, *rec)
	}
	sortRecords(records)
	return records
}

// Len returns the number of present visitors.
func (t *Tracker) Len() int {
	return len(t.visitors)
}

func sortRecords(records []session.VisitorRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].FirstSeenAt.Equal(records[j].FirstSeenAt) {
			return records[i].VisitorID < records[j].VisitorID
		}
		return records[i].FirstSeenAt.Before(records[j].FirstSeenAt)
	})
}
