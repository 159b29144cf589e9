package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/paywatch/backend/internal/relay"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startServer(t *testing.T, origins []string) *httptest.Server {
	t.Helper()
	hub := relay.NewHub(relay.Config{SweepInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	New(hub, origins, 0).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if role != "" {
		url += "?role=" + role
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": eventType, "data": data}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

// expect reads frames until one of the wanted type arrives.
func expect(t *testing.T, conn *websocket.Conn, eventType string) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if f.Type == eventType {
			return f
		}
	}
}

func TestWebSocketHappyPath(t *testing.T) {
	srv := startServer(t, nil)
	console := dial(t, srv, "console")
	expect(t, console, relay.EventConsoleSnapshot)

	client := dial(t, srv, "")
	send(t, client, relay.EventHello, map[string]string{"role": "client"})
	expect(t, client, relay.EventWelcome)

	send(t, client, relay.EventVisitorJoin, map[string]string{"originHint": "203.0.113.7"})
	expect(t, console, relay.EventVisitorJoined)

	send(t, client, relay.EventTransactionSubmit, map[string]any{
		"instrumentRef": "411111XXXXXX1111",
		"amount":        28750,
	})
	var created struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(expect(t, console, relay.EventTransactionCreated).Data, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.TransactionID == "" || created.Status != "pending" {
		t.Fatalf("unexpected created payload %+v", created)
	}

	send(t, console, relay.EventTransactionRequestVerification, map[string]string{"transactionId": created.TransactionID})
	expect(t, client, relay.EventTransactionVerify)

	send(t, client, relay.EventTransactionSubmitCode, map[string]string{"transactionId": created.TransactionID, "code": "123456"})
	var code struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(expect(t, console, relay.EventTransactionCodeSubmitted).Data, &code); err != nil {
		t.Fatalf("decode code: %v", err)
	}
	if code.Code != "123456" {
		t.Fatalf("expected code 123456, got %q", code.Code)
	}

	send(t, console, relay.EventTransactionApprove, map[string]string{"transactionId": created.TransactionID})
	var outcome struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(expect(t, client, relay.EventTransactionApproved).Data, &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Status != "approved" {
		t.Fatalf("expected approved, got %s", outcome.Status)
	}
}

func TestWebSocketClientCloseAbandons(t *testing.T) {
	srv := startServer(t, nil)
	console := dial(t, srv, "console")
	expect(t, console, relay.EventConsoleSnapshot)

	client := dial(t, srv, "client")
	expect(t, client, relay.EventWelcome)
	send(t, client, relay.EventTransactionSubmit, map[string]any{"instrumentRef": "4111", "amount": 100})
	expect(t, console, relay.EventTransactionCreated)

	client.Close()

	var view struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(expect(t, console, relay.EventTransactionUpdated).Data, &view); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if view.Status != "abandoned" {
		t.Fatalf("expected abandoned, got %s", view.Status)
	}
}

func TestWebSocketRejectsUnknownRoleQuery(t *testing.T) {
	srv := startServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?role=admin"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %+v", resp)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://pay.example.com/", " http://localhost:3000"})

	cases := map[string]bool{
		"":                         true,
		"https://pay.example.com":  true,
		"HTTPS://PAY.EXAMPLE.COM":  true,
		"http://localhost:3000":    true,
		"https://evil.example.com": false,
		"http://pay.example.com":   false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}

	open := originChecker([]string{"*"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://anything.test")
	if !open(req) {
		t.Fatal("wildcard should accept any origin")
	}
}
