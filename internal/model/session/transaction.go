package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingVerification Status = "awaiting-verification"
	StatusApproved             Status = "approved"
	StatusRejected             Status = "rejected"
	StatusAbandoned            Status = "abandoned"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusAbandoned:
		return true
	default:
		return false
	}
}

// ReasonTimeout is the rejection reason used when the console never decides.
const ReasonTimeout = "timeout"

// Payload carries the caller-supplied checkout fields. The relay only
// validates InstrumentRef and Amount; everything else passes through.
type Payload struct {
	InstrumentRef string          `json:"instrumentRef"`
	HolderName    string          `json:"holderName,omitempty"`
	Expiry        string          `json:"expiry,omitempty"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	PlanRef       string          `json:"planRef,omitempty"`
	BillingCycle  string          `json:"billingCycle,omitempty"`
	Billing       json.RawMessage `json:"billing,omitempty"`
}

// Transaction is one payment-authorization attempt.
type Transaction struct {
	ID                      string
	OwnerConnectionID       string
	VisitorID               string
	Payload                 Payload
	Status                  Status
	RejectionReason         string
	CodeAttempts            int
	LastCode                string
	CreatedAt               time.Time
	UpdatedAt               time.Time
	VerificationRequestedAt time.Time
	ClosedAt                time.Time
}

// TransactionView is the console-facing projection; it omits the owner handle.
type TransactionView struct {
	ID              string     `json:"transactionId"`
	VisitorID       string     `json:"visitorId,omitempty"`
	Status          Status     `json:"status"`
	Payload         Payload    `json:"payload"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	CodeAttempts    int        `json:"codeAttempts"`
	LastCode        string     `json:"lastCode,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

// View projects the transaction for consoles.
func (t Transaction) View() TransactionView {
	view := TransactionView{
		ID:              t.ID,
		VisitorID:       t.VisitorID,
		Status:          t.Status,
		Payload:         t.Payload,
		RejectionReason: t.RejectionReason,
		CodeAttempts:    t.CodeAttempts,
		LastCode:        t.LastCode,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if !t.ClosedAt.IsZero() {
		closed := t.ClosedAt
		view.ClosedAt = &closed
	}
	return view
}
