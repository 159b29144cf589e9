package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/paywatch/backend/internal/relay"
)

// Scenario is one scripted client/console exchange.
type Scenario struct {
	Outcome    string
	Reason     string
	Code       string
	Amount     int64
	SkipVerify bool
}

// Result is what the client connection finally observed.
type Result struct {
	TransactionID string
	Status        string
	Reason        string
	Elapsed       time.Duration
}

type peer struct {
	name string
	conn *websocket.Conn
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Run drives one transaction through the relay at url using a console and a
// client connection, and reports the outcome the client received.
func Run(ctx context.Context, url string, sc Scenario) (Result, error) {
	start := time.Now()

	console, err := dial(ctx, url, "console")
	if err != nil {
		return Result{}, err
	}
	defer console.conn.Close()
	if _, err := console.await(ctx, relay.EventConsoleSnapshot); err != nil {
		return Result{}, err
	}

	client, err := dial(ctx, url, "client")
	if err != nil {
		return Result{}, err
	}
	defer client.conn.Close()
	if _, err := client.await(ctx, relay.EventWelcome); err != nil {
		return Result{}, err
	}

	if err := client.send(relay.EventVisitorJoin, relay.JoinData{UserAgent: "relayprobe"}); err != nil {
		return Result{}, err
	}
	if err := client.send(relay.EventTransactionSubmit, map[string]any{
		"instrumentRef": "411111XXXXXX1111",
		"holderName":    "Relay Probe",
		"amount":        sc.Amount,
		"planRef":       "probe",
	}); err != nil {
		return Result{}, err
	}
	if _, err := client.await(ctx, relay.EventTransactionSubmitted); err != nil {
		return Result{}, err
	}

	var created struct {
		TransactionID string `json:"transactionId"`
	}
	if err := console.awaitInto(ctx, relay.EventTransactionCreated, &created); err != nil {
		return Result{}, err
	}
	log.Printf("[probe] transaction=%s created", created.TransactionID)
	target := relay.DecisionData{TransactionID: created.TransactionID}

	if !sc.SkipVerify {
		if err := console.send(relay.EventTransactionRequestVerification, target); err != nil {
			return Result{}, err
		}
		if _, err := client.await(ctx, relay.EventTransactionVerify); err != nil {
			return Result{}, err
		}
		if err := client.send(relay.EventTransactionSubmitCode, relay.SubmitCodeData{TransactionID: created.TransactionID, Code: sc.Code}); err != nil {
			return Result{}, err
		}
		if _, err := console.await(ctx, relay.EventTransactionCodeSubmitted); err != nil {
			return Result{}, err
		}
		log.Printf("[probe] code relayed to console")
	}

	decision, expected := relay.EventTransactionApprove, relay.EventTransactionApproved
	if sc.Outcome == "reject" {
		decision, expected = relay.EventTransactionReject, relay.EventTransactionRejected
		target.Reason = sc.Reason
	}
	if err := console.send(decision, target); err != nil {
		return Result{}, err
	}

	var outcome relay.OutcomeData
	if err := client.awaitInto(ctx, expected, &outcome); err != nil {
		return Result{}, err
	}

	return Result{
		TransactionID: outcome.TransactionID,
		Status:        string(outcome.Status),
		Reason:        outcome.Reason,
		Elapsed:       time.Since(start),
	}, nil
}

func dial(ctx context.Context, url, role string) (*peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url+"?role="+role, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s as %s: %w", url, role, err)
	}
	return &peer{name: role, conn: conn}, nil
}

func (p *peer) send(eventType string, data any) error {
	if err := p.conn.WriteJSON(map[string]any{"type": eventType, "data": data}); err != nil {
		return fmt.Errorf("%s send %s: %w", p.name, eventType, err)
	}
	return nil
}

// await skips frames until eventType arrives; an error event aborts.
func (p *peer) await(ctx context.Context, eventType string) (frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetReadDeadline(deadline)
	}
	for {
		var f frame
		if err := p.conn.ReadJSON(&f); err != nil {
			return frame{}, fmt.Errorf("%s waiting for %s: %w", p.name, eventType, err)
		}
		switch f.Type {
		case eventType:
			return f, nil
		case relay.EventError:
			return frame{}, fmt.Errorf("%s waiting for %s got error: %s", p.name, eventType, f.Data)
		}
	}
}

func (p *peer) awaitInto(ctx context.Context, eventType string, v any) error {
	f, err := p.await(ctx, eventType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s decode %s: %w", p.name, eventType, err)
	}
	return nil
}
