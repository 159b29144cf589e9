package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/relay"
)

func TestHealthDoesNotNeedRunningHub(t *testing.T) {
	hub := relay.NewHub(relay.Config{})
	router := NewRouter(Options{Hub: hub})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["timestamp"] == "" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestAPIRoutesMounted(t *testing.T) {
	hub := relay.NewHub(relay.Config{SweepInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	router := NewRouter(Options{Hub: hub})

	for _, path := range []string{"/api/visitors", "/api/transactions", "/api/stats"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}
