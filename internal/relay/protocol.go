package relay

import (
	"encoding/json"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

// Inbound event types.
const (
	EventHello                          = "hello"
	EventVisitorJoin                    = "visitor.join"
	EventVisitorHeartbeat               = "visitor.heartbeat"
	EventVisitorLeave                   = "visitor.leave"
	EventTransactionSubmit              = "transaction.submit"
	EventTransactionSubmitCode          = "transaction.submitCode"
	EventTransactionRequestVerification = "transaction.requestVerification"
	EventTransactionApprove             = "transaction.approve"
	EventTransactionReject              = "transaction.reject"
)

// Outbound event types.
const (
	EventWelcome                  = "welcome"
	EventConsoleSnapshot          = "console.snapshot"
	EventVisitorJoined            = "visitor.joined"
	EventVisitorLeft              = "visitor.left"
	EventTransactionCreated       = "transaction.created"
	EventTransactionUpdated       = "transaction.updated"
	EventTransactionCodeSubmitted = "transaction.codeSubmitted"
	EventTransactionNote          = "transaction.note"
	EventTransactionSubmitted     = "transaction.submitted"
	EventTransactionVerify        = "transaction.verify"
	EventTransactionApproved      = "transaction.approved"
	EventTransactionRejected      = "transaction.rejected"
	EventError                    = "error"
)

// EventTransactionAbandoned is recorded in the audit trail only; consoles
// learn about abandonment through EventTransactionUpdated.
const EventTransactionAbandoned = "transaction.abandoned"

// Error kinds carried by EventError.
const (
	KindMalformed         = "malformed"
	KindInvalidTransition = "invalid-transition"
	KindUnknownTarget     = "unknown-target"
	KindForbidden         = "forbidden"
)

// Inbound is the envelope every connection sends.
type Inbound struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Outbound is the envelope the hub delivers to sinks.
type Outbound struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newOutbound(eventType string, data any, now time.Time) Outbound {
	return Outbound{Type: eventType, Data: data, Timestamp: now.UnixMilli()}
}

// HelloData declares the connection's role.
type HelloData struct {
	Role string `json:"role"`
}

// JoinData announces a client's presence.
type JoinData struct {
	OriginHint string `json:"originHint"`
	UserAgent  string `json:"userAgent"`
}

// SubmitCodeData answers a verification challenge.
type SubmitCodeData struct {
	TransactionID string `json:"transactionId"`
	Code          string `json:"code"`
}

// DecisionData is a console decision on a transaction.
type DecisionData struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason,omitempty"`
}

// WelcomeData acknowledges the handshake.
type WelcomeData struct {
	ConnectionID string       `json:"connectionId"`
	Role         session.Role `json:"role"`
}

// SnapshotData gives a console the current picture on connect.
type SnapshotData struct {
	Visitors     []session.VisitorRecord   `json:"visitors"`
	Transactions []session.TransactionView `json:"transactions"`
}

// VisitorLeftData identifies a departed visitor.
type VisitorLeftData struct {
	VisitorID string `json:"visitorId"`
}

// OutcomeData is what an owning client learns about its transaction.
type OutcomeData struct {
	TransactionID string         `json:"transactionId"`
	Status        session.Status `json:"status,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// CodeData forwards an OTP to consoles together with its transaction.
type CodeData struct {
	TransactionID string `json:"transactionId"`
	VisitorID     string `json:"visitorId,omitempty"`
	Code          string `json:"code"`
	Attempt       int    `json:"attempt"`
}

// ErrorData is the informational reply for a refused event.
type ErrorData struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Event         string `json:"event,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}
