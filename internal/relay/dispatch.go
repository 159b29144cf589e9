package relay

import (
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
	"github.com/zhouzirui/paywatch/backend/internal/service/registry"
	"github.com/zhouzirui/paywatch/backend/internal/service/transaction"
)

// requiredRole lists which role may send each event; hello is open to all.
var requiredRole = map[string]session.Role{
	EventVisitorJoin:                    session.RoleClient,
	EventVisitorHeartbeat:               session.RoleClient,
	EventVisitorLeave:                   session.RoleClient,
	EventTransactionSubmit:              session.RoleClient,
	EventTransactionSubmitCode:          session.RoleClient,
	EventTransactionRequestVerification: session.RoleConsole,
	EventTransactionApprove:             session.RoleConsole,
	EventTransactionReject:              session.RoleConsole,
}

func (h *Hub) handle(connID string, raw []byte) {
	if !h.registry.Touch(connID) {
		// late frame from a connection that already departed
		return
	}

	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[relay] malformed frame from %s: %v", connID, err)
		h.replyError(connID, ErrorData{Kind: KindMalformed, Message: "invalid json envelope"})
		return
	}

	if msg.Type == EventHello {
		h.handleHello(connID, msg.Data)
		return
	}

	want, ok := requiredRole[msg.Type]
	if !ok {
		h.replyError(connID, ErrorData{Kind: KindMalformed, Event: msg.Type, Message: "unsupported event type"})
		return
	}
	if role := h.registry.RoleOf(connID); role != want {
		message := "event requires role " + string(want)
		if role == session.RoleUnknown {
			message = "declare a role with hello first"
		}
		h.replyError(connID, ErrorData{Kind: KindForbidden, Event: msg.Type, Message: message})
		return
	}

	switch msg.Type {
	case EventVisitorJoin:
		h.handleJoin(connID, msg.Data)
	case EventVisitorHeartbeat:
		h.handleHeartbeat(connID)
	case EventVisitorLeave:
		h.handleLeave(connID)
	case EventTransactionSubmit:
		h.handleSubmit(connID, msg.Data)
	case EventTransactionSubmitCode:
		h.handleSubmitCode(connID, msg.Data)
	case EventTransactionRequestVerification, EventTransactionApprove, EventTransactionReject:
		h.handleDecision(connID, msg.Type, msg.Data)
	}
}

func (h *Hub) handleHello(connID string, raw json.RawMessage) {
	var hello HelloData
	if err := decode(raw, &hello); err != nil {
		h.replyError(connID, ErrorData{Kind: KindMalformed, Event: EventHello, Message: "invalid hello payload"})
		return
	}
	role := session.ParseRole(strings.ToLower(strings.TrimSpace(hello.Role)))
	if role == session.RoleUnknown {
		h.replyError(connID, ErrorData{Kind: KindMalformed, Event: EventHello, Message: "role must be client or console"})
		return
	}
	h.declareRole(connID, role)
}

func (h *Hub) declareRole(connID string, role session.Role) {
	conn, err := h.registry.DeclareRole(connID, role)
	if err != nil {
		if errors.Is(err, registry.ErrRoleConflict) {
			h.replyError(connID, ErrorData{Kind: KindInvalidTransition, Event: EventHello, Message: "role already declared as " + string(conn.Role)})
		}
		return
	}

	h.toConnection(connID, EventWelcome, WelcomeData{ConnectionID: connID, Role: role})
	if role == session.RoleConsole {
		h.toConnection(connID, EventConsoleSnapshot, h.snapshot())
	}
	log.Printf("[relay] connection=%s declared role=%s", connID, role)
}

func (h *Hub) handleJoin(connID string, raw json.RawMessage) {
	var join JoinData
	if err := decode(raw, &join); err != nil {
		// presence input is best effort; a broken payload still joins
		log.Printf("[presence] ignoring malformed join payload from %s: %v", connID, err)
		join = JoinData{}
	}

	conn, _ := h.registry.Get(connID)
	origin := firstNonEmpty(join.OriginHint, conn.RemoteAddr)
	userAgent := firstNonEmpty(join.UserAgent, conn.UserAgent)

	rec, created := h.presence.Join(connID, origin, userAgent)
	if created {
		log.Printf("[presence] visitor=%s joined origin=%s", rec.VisitorID, rec.OriginHint)
	}
	h.toConsoles(EventVisitorJoined, rec)
}

func (h *Hub) handleHeartbeat(connID string) {
	conn, _ := h.registry.Get(connID)
	rec, joined := h.presence.Heartbeat(connID, conn.RemoteAddr, conn.UserAgent)
	if joined {
		log.Printf("[presence] visitor=%s joined via heartbeat", rec.VisitorID)
		h.toConsoles(EventVisitorJoined, rec)
	}
}

func (h *Hub) handleLeave(connID string) {
	rec, ok := h.presence.Leave(connID)
	if !ok {
		return
	}
	log.Printf("[presence] visitor=%s left", rec.VisitorID)
	h.toConsoles(EventVisitorLeft, VisitorLeftData{VisitorID: rec.VisitorID})
}

func (h *Hub) handleSubmit(connID string, raw json.RawMessage) {
	var payload session.Payload
	if err := decode(raw, &payload); err != nil {
		log.Printf("[relay] malformed submission from %s: %v", connID, err)
		h.replyError(connID, ErrorData{Kind: KindMalformed, Event: EventTransactionSubmit, Message: "invalid transaction payload"})
		return
	}

	visitorID := ""
	if rec, ok := h.presence.Get(connID); ok {
		visitorID = rec.VisitorID
	}

	txn, err := h.txns.Submit(connID, visitorID, payload)
	if err != nil {
		log.Printf("[relay] submission from %s refused: %v", connID, err)
		h.replyTransactionError(connID, EventTransactionSubmit, txn.ID, err)
		return
	}

	log.Printf("[relay] transaction=%s created by connection=%s amount=%d", txn.ID, connID, txn.Payload.Amount)
	h.record(EventTransactionCreated, txn)
	h.toConsoles(EventTransactionCreated, txn.View())
	h.toConnection(connID, EventTransactionSubmitted, OutcomeData{TransactionID: txn.ID, Status: txn.Status})
	h.scheduleReview(txn)
}

func (h *Hub) handleSubmitCode(connID string, raw json.RawMessage) {
	var data SubmitCodeData
	if err := decode(raw, &data); err != nil {
		h.replyError(connID, ErrorData{Kind: KindMalformed, Event: EventTransactionSubmitCode, Message: "invalid code payload"})
		return
	}

	txn, err := h.txns.SubmitCode(connID, data.TransactionID, data.Code)
	if err != nil {
		log.Printf("[relay] code from %s refused: %v", connID, err)
		h.replyTransactionError(connID, EventTransactionSubmitCode, data.TransactionID, err)
		return
	}

	h.record(EventTransactionCodeSubmitted, txn)
	h.toConsoles(EventTransactionCodeSubmitted, CodeData{
		TransactionID: txn.ID,
		VisitorID:     txn.VisitorID,
		Code:          txn.LastCode,
		Attempt:       txn.CodeAttempts,
	})
	h.scheduleReview(txn)
}

func (h *Hub) handleDecision(connID, eventType string, raw json.RawMessage) {
	var data DecisionData
	if err := decode(raw, &data); err != nil {
		h.replyError(connID, ErrorData{Kind: KindMalformed, Event: eventType, Message: "invalid decision payload"})
		return
	}

	if _, err := h.decide(eventType, data); err != nil {
		log.Printf("[relay] decision %s from %s refused: %v", eventType, connID, err)
		h.replyTransactionError(connID, eventType, data.TransactionID, err)
	}
}

// decide applies a console decision and delivers the outcome to the owning
// client only.
func (h *Hub) decide(eventType string, data DecisionData) (session.Transaction, error) {
	var (
		txn      session.Transaction
		err      error
		outgoing string
	)
	switch eventType {
	case EventTransactionRequestVerification:
		txn, err = h.txns.RequestVerification(data.TransactionID)
		outgoing = EventTransactionVerify
	case EventTransactionApprove:
		txn, err = h.txns.Approve(data.TransactionID)
		outgoing = EventTransactionApproved
	case EventTransactionReject:
		txn, err = h.txns.Reject(data.TransactionID, data.Reason)
		outgoing = EventTransactionRejected
	default:
		return session.Transaction{}, transaction.ErrMalformed
	}
	if err != nil {
		return txn, err
	}

	log.Printf("[relay] transaction=%s -> %s", txn.ID, txn.Status)
	h.record(outgoing, txn)
	h.toConnection(txn.OwnerConnectionID, outgoing, OutcomeData{
		TransactionID: txn.ID,
		Status:        txn.Status,
		Reason:        txn.RejectionReason,
	})
	h.toConsoles(EventTransactionUpdated, txn.View())
	return txn, nil
}

func (h *Hub) snapshot() SnapshotData {
	txns := h.txns.List()
	views := make([]session.TransactionView, len(txns))
	for i, txn := range txns {
		views[i] = txn.View()
	}
	return SnapshotData{Visitors: h.presence.List(), Transactions: views}
}

// toConnection delivers to one connection; departed connections get nothing.
// A sink that refuses a message is unregistered once the current operation
// has finished.
func (h *Hub) toConnection(connID, eventType string, data any) {
	if _, gone := h.dropped[connID]; gone {
		return
	}
	sink, ok := h.sinks[connID]
	if !ok {
		return
	}
	if !sink.Send(newOutbound(eventType, data, h.now())) {
		log.Printf("[relay] connection=%s cannot keep up, dropping it", connID)
		h.markDropped(connID)
	}
}

// toConsoles fans out to every console connection.
func (h *Hub) toConsoles(eventType string, data any) {
	for _, id := range h.registry.WithRole(session.RoleConsole) {
		h.toConnection(id, eventType, data)
	}
}

func (h *Hub) replyError(connID string, data ErrorData) {
	h.toConnection(connID, EventError, data)
}

func (h *Hub) replyTransactionError(connID, eventType, transactionID string, err error) {
	h.replyError(connID, ErrorData{
		Kind:          errorKind(err),
		Event:         eventType,
		Message:       err.Error(),
		TransactionID: transactionID,
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, transaction.ErrUnknownTarget):
		return KindUnknownTarget
	case errors.Is(err, transaction.ErrInvalidTransition):
		return KindInvalidTransition
	default:
		return KindMalformed
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
