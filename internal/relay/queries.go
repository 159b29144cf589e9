package relay

import (
	"context"
	"fmt"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
	"github.com/zhouzirui/paywatch/backend/internal/service/transaction"
)

// Action is a console decision issued outside a WebSocket session.
type Action string

const (
	ActionVerify  Action = "verify"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

var actionEvents = map[Action]string{
	ActionVerify:  EventTransactionRequestVerification,
	ActionApprove: EventTransactionApprove,
	ActionReject:  EventTransactionReject,
}

// Visitors returns the current presence set.
func (h *Hub) Visitors(ctx context.Context) ([]session.VisitorRecord, error) {
	var visitors []session.VisitorRecord
	err := h.Call(ctx, func() {
		visitors = h.presence.List()
	})
	return visitors, err
}

// Transactions returns the retained transactions, newest first.
func (h *Hub) Transactions(ctx context.Context) ([]session.TransactionView, error) {
	var views []session.TransactionView
	err := h.Call(ctx, func() {
		views = h.snapshot().Transactions
	})
	return views, err
}

// Transaction looks up one transaction.
func (h *Hub) Transaction(ctx context.Context, id string) (session.TransactionView, error) {
	var (
		view  session.TransactionView
		found bool
	)
	if err := h.Call(ctx, func() {
		var txn session.Transaction
		txn, found = h.txns.Get(id)
		view = txn.View()
	}); err != nil {
		return session.TransactionView{}, err
	}
	if !found {
		return session.TransactionView{}, fmt.Errorf("%w: %s", transaction.ErrUnknownTarget, id)
	}
	return view, nil
}

// Decide applies a console decision exactly as if a console connection had
// sent it, returning the transaction errors for the caller to map.
func (h *Hub) Decide(ctx context.Context, action Action, transactionID, reason string) (session.TransactionView, error) {
	eventType, ok := actionEvents[action]
	if !ok {
		return session.TransactionView{}, fmt.Errorf("%w: unknown action %q", transaction.ErrMalformed, action)
	}

	var (
		txn       session.Transaction
		decideErr error
	)
	if err := h.commit(ctx, func() {
		txn, decideErr = h.decide(eventType, DecisionData{TransactionID: transactionID, Reason: reason})
	}); err != nil {
		return session.TransactionView{}, err
	}
	if decideErr != nil {
		return session.TransactionView{}, decideErr
	}
	return txn.View(), nil
}

// Stats is a cheap liveness summary for logs and diagnostics.
type Stats struct {
	Connections  int `json:"connections"`
	Visitors     int `json:"visitors"`
	Transactions int `json:"transactions"`
}

// Stats counts the hub's live state.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := h.Call(ctx, func() {
		stats = Stats{
			Connections:  h.registry.Len(),
			Visitors:     h.presence.Len(),
			Transactions: len(h.txns.List()),
		}
	})
	return stats, err
}
