package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/handler"
	"github.com/zhouzirui/paywatch/backend/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	hub := relay.NewHub(relay.Config{SweepInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(handler.NewRouter(handler.Options{Hub: hub}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestRunApprove(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := Run(ctx, url, Scenario{Outcome: "approve", Code: "123456", Amount: 28750})
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if result.Status != "approved" || result.TransactionID == "" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunRejectWithoutVerification(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := Run(ctx, url, Scenario{Outcome: "reject", Reason: "instrument-declined", Amount: 500, SkipVerify: true})
	if err != nil {
		t.Fatalf("Run err: %v", err)
	}
	if result.Status != "rejected" || result.Reason != "instrument-declined" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunSurfacesRelayErrors(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Run(ctx, url, Scenario{Outcome: "approve", Amount: 0}); err == nil {
		t.Fatal("expected malformed submission to fail the probe")
	}
}
