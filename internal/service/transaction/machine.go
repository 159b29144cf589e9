package transaction

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

var (
	ErrMalformed         = errors.New("malformed transaction event")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownTarget     = errors.New("unknown transaction")
)

const maxCodeLength = 12

// Machine owns every Transaction and is the only writer of status. Like the
// other relay components it is driven from a single loop and does no locking.
type Machine struct {
	txns   map[string]*session.Transaction
	active map[string]string // owner connection -> non-terminal transaction id
	now    func() time.Time
	newID  func() string
}

// NewMachine creates an empty transaction table.
func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		txns:   make(map[string]*session.Transaction),
		active: make(map[string]string),
		now:    now,
		newID:  uuid.NewString,
	}
}

// Submit validates the payload and opens a Pending transaction for owner.
func (m *Machine) Submit(owner, visitorID string, payload session.Payload) (session.Transaction, error) {
	if owner == "" {
		return session.Transaction{}, fmt.Errorf("%w: owner connection is required", ErrMalformed)
	}
	if err := ValidatePayload(payload); err != nil {
		return session.Transaction{}, err
	}
	if id, ok := m.active[owner]; ok {
		return *m.txns[id], fmt.Errorf("%w: transaction %s is still in flight", ErrInvalidTransition, id)
	}

	now := m.now().UTC()
	payload.InstrumentRef = strings.TrimSpace(payload.InstrumentRef)
	txn := &session.Transaction{
		ID:                m.newID(),
		OwnerConnectionID: owner,
		VisitorID:         visitorID,
		Payload:           payload,
		Status:            session.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.txns[txn.ID] = txn
	m.active[owner] = txn.ID
	return *txn, nil
}

// ValidatePayload checks the fields the relay depends on.
func ValidatePayload(payload session.Payload) error {
	if strings.TrimSpace(payload.InstrumentRef) == "" {
		return fmt.Errorf("%w: instrumentRef is required", ErrMalformed)
	}
	if payload.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrMalformed)
	}
	return nil
}

// RequestVerification moves Pending to AwaitingVerification.
func (m *Machine) RequestVerification(id string) (session.Transaction, error) {
	txn, err := m.lookup(id)
	if err != nil {
		return session.Transaction{}, err
	}
	if txn.Status != session.StatusPending {
		return *txn, invalid(txn, "request verification")
	}

	now := m.now().UTC()
	txn.Status = session.StatusAwaitingVerification
	txn.VerificationRequestedAt = now
	txn.UpdatedAt = now
	return *txn, nil
}

// SubmitCode records an OTP from the owning connection. The status stays
// AwaitingVerification until the console decides.
func (m *Machine) SubmitCode(owner, id, code string) (session.Transaction, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > maxCodeLength {
		return session.Transaction{}, fmt.Errorf("%w: code must be 1-%d characters", ErrMalformed, maxCodeLength)
	}

	txn, err := m.lookup(id)
	if err != nil {
		return session.Transaction{}, err
	}
	if txn.OwnerConnectionID != owner {
		// Foreign connections learn nothing about the transaction.
		return session.Transaction{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	if txn.Status != session.StatusAwaitingVerification {
		return *txn, invalid(txn, "submit code")
	}

	txn.CodeAttempts++
	txn.LastCode = code
	txn.UpdatedAt = m.now().UTC()
	return *txn, nil
}

// Approve closes the transaction as Approved.
func (m *Machine) Approve(id string) (session.Transaction, error) {
	txn, err := m.lookup(id)
	if err != nil {
		return session.Transaction{}, err
	}
	if txn.Status.Terminal() {
		return *txn, invalid(txn, "approve")
	}
	m.close(txn, session.StatusApproved, "")
	return *txn, nil
}

// Reject closes the transaction as Rejected with a free-form reason.
func (m *Machine) Reject(id, reason string) (session.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return session.Transaction{}, fmt.Errorf("%w: reason is required", ErrMalformed)
	}

	txn, err := m.lookup(id)
	if err != nil {
		return session.Transaction{}, err
	}
	if txn.Status.Terminal() {
		return *txn, invalid(txn, "reject")
	}
	m.close(txn, session.StatusRejected, reason)
	return *txn, nil
}

// Abandon closes the owner's in-flight transaction after its connection is
// lost. It reports false when the owner had nothing in flight.
func (m *Machine) Abandon(owner string) (session.Transaction, bool) {
	id, ok := m.active[owner]
	if !ok {
		return session.Transaction{}, false
	}
	txn := m.txns[id]
	m.close(txn, session.StatusAbandoned, "")
	return *txn, true
}

// ExpireVerifications rejects with ReasonTimeout every transaction that has
// awaited a decision for longer than timeout. A non-positive timeout disables
// expiry.
func (m *Machine) ExpireVerifications(timeout time.Duration) []session.Transaction {
	if timeout <= 0 {
		return nil
	}

	now := m.now().UTC()
	var expired []session.Transaction
	for _, txn := range m.txns {
		if txn.Status != session.StatusAwaitingVerification {
			continue
		}
		if now.Sub(txn.VerificationRequestedAt) > timeout {
			m.close(txn, session.StatusRejected, session.ReasonTimeout)
			expired = append(expired, *txn)
		}
	}
	sortTransactions(expired)
	return expired
}

// Prune drops terminal transactions closed more than retention ago whose
// owner is no longer connected. It returns the dropped ids.
func (m *Machine) Prune(retention time.Duration, ownerConnected func(string) bool) []string {
	if retention <= 0 {
		return nil
	}

	now := m.now().UTC()
	var dropped []string
	for id, txn := range m.txns {
		if !txn.Status.Terminal() || now.Sub(txn.ClosedAt) <= retention {
			continue
		}
		if ownerConnected != nil && ownerConnected(txn.OwnerConnectionID) {
			continue
		}
		delete(m.txns, id)
		dropped = append(dropped, id)
	}
	sort.Strings(dropped)
	return dropped
}

// Get returns a copy of the transaction.
func (m *Machine) Get(id string) (session.Transaction, bool) {
	txn, ok := m.txns[id]
	if !ok {
		return session.Transaction{}, false
	}
	return *txn, true
}

// ActiveFor returns the owner's in-flight transaction, if any.
func (m *Machine) ActiveFor(owner string) (session.Transaction, bool) {
	id, ok := m.active[owner]
	if !ok {
		return session.Transaction{}, false
	}
	return *m.txns[id], true
}

// List returns all retained transactions, newest first.
func (m *Machine) List() []session.Transaction {
	list := make([]session.Transaction, 0, len(m.txns))
	for _, txn := range m.txns {
		list = append(list, *txn)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

func (m *Machine) lookup(id string) (*session.Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: transactionId is required", ErrMalformed)
	}
	txn, ok := m.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return txn, nil
}

func (m *Machine) close(txn *session.Transaction, status session.Status, reason string) {
	now := m.now().UTC()
	txn.Status = status
	txn.RejectionReason = reason
	txn.UpdatedAt = now
	txn.ClosedAt = now
	if m.active[txn.OwnerConnectionID] == txn.ID {
		delete(m.active, txn.OwnerConnectionID)
	}
}

func invalid(txn *session.Transaction, action string) error {
	return fmt.Errorf("%w: cannot %s transaction %s in status %s", ErrInvalidTransition, action, txn.ID, txn.Status)
}

func sortTransactions(list []session.Transaction) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
