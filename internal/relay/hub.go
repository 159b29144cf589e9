package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
	"github.com/zhouzirui/paywatch/backend/internal/service/audit"
	"github.com/zhouzirui/paywatch/backend/internal/service/presence"
	"github.com/zhouzirui/paywatch/backend/internal/service/registry"
	"github.com/zhouzirui/paywatch/backend/internal/service/review"
	"github.com/zhouzirui/paywatch/backend/internal/service/transaction"
)

// ErrHubStopped is returned once Run has exited.
var ErrHubStopped = errors.New("relay hub stopped")

const reviewTimeout = 20 * time.Second

// Config tunes the hub's timers.
type Config struct {
	PresenceTTL          time.Duration
	SweepInterval        time.Duration
	DecisionTimeout      time.Duration
	TransactionRetention time.Duration
}

// AuditSink receives transaction history without blocking the loop.
type AuditSink interface {
	Enqueue(entry audit.Entry) bool
}

// Reviewer produces console review notes; it may block and runs off-loop.
type Reviewer interface {
	Review(ctx context.Context, in review.Input) review.Note
}

// Option customizes a Hub.
type Option func(*Hub)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithAudit records every transaction change.
func WithAudit(sink AuditSink) Option {
	return func(h *Hub) { h.audit = sink }
}

// WithReviewer enables transaction.note events.
func WithReviewer(reviewer Reviewer) Option {
	return func(h *Hub) { h.reviewer = reviewer }
}

// Hub is the event relay. Every state change (registry, presence and the
// transaction table) happens on the goroutine running Run, one operation at a
// time, so events from one connection are applied in the order they arrive.
type Hub struct {
	cfg Config
	now func() time.Time

	ops     chan func()
	stopped chan struct{}
	runCtx  context.Context

	registry *registry.Registry
	presence *presence.Tracker
	txns     *transaction.Machine
	sinks    map[string]Sink

	// connections whose sink refused a message during the current operation
	dropped   map[string]struct{}
	dropOrder []string

	audit    AuditSink
	reviewer Reviewer
}

// NewHub wires the registry, presence tracker and transaction machine.
func NewHub(cfg Config, opts ...Option) *Hub {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = presence.DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = presence.DefaultSweepInterval
	}

	h := &Hub{
		cfg:     cfg,
		now:     time.Now,
		ops:     make(chan func(), 1024),
		stopped: make(chan struct{}),
		runCtx:  context.Background(),
		sinks:   make(map[string]Sink),
		dropped: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.registry = registry.New(h.now)
	h.presence = presence.NewTracker(cfg.PresenceTTL, h.now)
	h.txns = transaction.NewMachine(h.now)
	h.registry.OnUnregister(h.cleanupConnection)
	return h
}

// Run processes operations until ctx is cancelled. It must be called once.
func (h *Hub) Run(ctx context.Context) error {
	h.runCtx = ctx
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	defer close(h.stopped)
	defer h.closeAllSinks()

	log.Printf("[relay] hub running ttl=%s sweep=%s decisionTimeout=%s", h.cfg.PresenceTTL, h.cfg.SweepInterval, h.cfg.DecisionTimeout)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[relay] hub stopping: %v", ctx.Err())
			return nil
		case op := <-h.ops:
			op()
			h.reapDropped()
		case <-ticker.C:
			h.sweep()
			h.reapDropped()
		}
	}
}

// Connect registers a new connection delivering through sink and returns
// its id. A known role (from the upgrade request) counts as the handshake.
func (h *Hub) Connect(sink Sink, remoteAddr, userAgent string, role session.Role) string {
	id := uuid.NewString()
	err := h.enqueue(context.Background(), func() {
		h.registry.Register(id, remoteAddr, userAgent)
		h.sinks[id] = sink
		log.Printf("[relay] connected id=%s remote=%s", id, remoteAddr)
		if role != session.RoleUnknown {
			h.declareRole(id, role)
		}
	})
	if err != nil {
		sink.Close()
	}
	return id
}

// Dispatch hands one raw inbound frame to the loop.
func (h *Hub) Dispatch(connID string, raw []byte) {
	frame := append([]byte(nil), raw...)
	_ = h.enqueue(context.Background(), func() {
		h.handle(connID, frame)
	})
}

// Disconnect reports transport loss. Repeated calls are harmless.
func (h *Hub) Disconnect(connID string) {
	_ = h.enqueue(context.Background(), func() {
		h.registry.Unregister(connID)
	})
}

// Call runs fn on the loop and waits for it to finish.
func (h *Hub) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := h.enqueue(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrHubStopped
	}
}

// commit is Call for mutations: ctx only bounds queueing. Once fn is queued
// it will run, so the caller waits for its result instead of reporting a
// cancellation for a change that still happens.
func (h *Hub) commit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := h.enqueue(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

func (h *Hub) enqueue(ctx context.Context, op func()) error {
	select {
	case <-h.stopped:
		return ErrHubStopped
	default:
	}

	select {
	case h.ops <- op:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweep evicts silent visitors, times out stalled verifications and prunes
// closed transactions of departed owners.
func (h *Hub) sweep() {
	for _, rec := range h.presence.Sweep() {
		log.Printf("[presence] evicted visitor=%s connection=%s", rec.VisitorID, rec.ConnectionID)
		h.toConsoles(EventVisitorLeft, VisitorLeftData{VisitorID: rec.VisitorID})
	}

	for _, txn := range h.txns.ExpireVerifications(h.cfg.DecisionTimeout) {
		log.Printf("[relay] transaction=%s timed out awaiting decision", txn.ID)
		h.record(EventTransactionRejected, txn)
		h.toConnection(txn.OwnerConnectionID, EventTransactionRejected, OutcomeData{
			TransactionID: txn.ID,
			Status:        txn.Status,
			Reason:        txn.RejectionReason,
		})
		h.toConsoles(EventTransactionUpdated, txn.View())
	}

	pruned := h.txns.Prune(h.cfg.TransactionRetention, func(owner string) bool {
		_, ok := h.registry.Get(owner)
		return ok
	})
	if len(pruned) > 0 {
		log.Printf("[relay] pruned %d closed transactions", len(pruned))
	}
}

// cleanupConnection runs exactly once per departed connection.
func (h *Hub) cleanupConnection(conn session.Connection) {
	if sink, ok := h.sinks[conn.ID]; ok {
		delete(h.sinks, conn.ID)
		sink.Close()
	}

	if rec, ok := h.presence.Leave(conn.ID); ok {
		h.toConsoles(EventVisitorLeft, VisitorLeftData{VisitorID: rec.VisitorID})
	}

	if txn, ok := h.txns.Abandon(conn.ID); ok {
		log.Printf("[relay] transaction=%s abandoned by connection=%s", txn.ID, conn.ID)
		h.record(EventTransactionAbandoned, txn)
		h.toConsoles(EventTransactionUpdated, txn.View())
	}

	log.Printf("[relay] disconnected id=%s role=%s", conn.ID, conn.Role)
}

// reapDropped unregisters connections whose sinks overflowed. It runs after
// each operation so the operation's own notifications go out first.
func (h *Hub) reapDropped() {
	for len(h.dropOrder) > 0 {
		id := h.dropOrder[0]
		h.dropOrder = h.dropOrder[1:]
		h.registry.Unregister(id)
		delete(h.dropped, id)
	}
}

func (h *Hub) markDropped(connID string) {
	if _, ok := h.dropped[connID]; ok {
		return
	}
	h.dropped[connID] = struct{}{}
	h.dropOrder = append(h.dropOrder, connID)
}

func (h *Hub) closeAllSinks() {
	for id, sink := range h.sinks {
		sink.Close()
		delete(h.sinks, id)
	}
}

func (h *Hub) record(event string, txn session.Transaction) {
	if h.audit == nil {
		return
	}
	h.audit.Enqueue(audit.EntryFor(event, txn))
}

func (h *Hub) scheduleReview(txn session.Transaction) {
	if h.reviewer == nil {
		return
	}

	origin := ""
	if rec, ok := h.presence.Get(txn.OwnerConnectionID); ok {
		origin = rec.OriginHint
	}
	ctx := h.runCtx
	input := review.Input{Transaction: txn, OriginHint: origin}

	go func() {
		reviewCtx, cancel := context.WithTimeout(ctx, reviewTimeout)
		defer cancel()

		note := h.reviewer.Review(reviewCtx, input)
		_ = h.enqueue(ctx, func() {
			h.toConsoles(EventTransactionNote, note)
		})
	}()
}
