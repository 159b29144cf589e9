package review

import (
	"context"
	"testing"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/analysis/risk"
	"github.com/zhouzirui/paywatch/backend/internal/model/session"
)

func TestReviewFallsBackToHeuristics(t *testing.T) {
	svc, err := NewService(context.Background(), nil, Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("service without a model must not report enabled")
	}
	svc.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	note := svc.Review(context.Background(), Input{
		Transaction: session.Transaction{
			ID:      "t1",
			Payload: session.Payload{InstrumentRef: "411111XXXXXX1111", Amount: 250000},
		},
		OriginHint: "203.0.113.7",
	})

	if note.TransactionID != "t1" || note.Source != "heuristic" {
		t.Fatalf("unexpected note: %+v", note)
	}
	if note.Level != "medium" {
		t.Fatalf("expected medium level, got %s (%v)", note.Level, note.Flags)
	}
}

func TestParseReviewerOutputToleratesWrapping(t *testing.T) {
	payload, err := parseReviewerOutput("Sure:\n{\"level\":\"HIGH\",\"summary\":\"card expired\"}\n")
	if err != nil {
		t.Fatalf("parse err: %v", err)
	}
	level, ok := parseLevel(payload.Level)
	if !ok || level != "high" {
		t.Fatalf("unexpected level %q", payload.Level)
	}

	if _, err := parseReviewerOutput("no json here"); err == nil {
		t.Fatal("expected error without json object")
	}
}

func TestBuildInputMasksInstrument(t *testing.T) {
	input := buildInput(Input{Transaction: session.Transaction{
		Payload: session.Payload{InstrumentRef: "4111111111111111", Amount: 10},
	}}, risk.Assessment{Level: risk.Low})

	if input["instrument"] != "****1111" {
		t.Fatalf("instrument not masked: %v", input["instrument"])
	}
	if input["origin"] != "unknown" {
		t.Fatalf("expected unknown origin, got %v", input["origin"])
	}
}
