package registry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/paywatch/backend/internal/model/session"
	"github.com/zhouzirui/paywatch/backend/internal/service/registry"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestRegisterAndTouch(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(c.now)

	conn := reg.Register("c1", "10.0.0.1", "test-agent")
	if conn.Role != session.RoleUnknown {
		t.Fatalf("expected unknown role, got %s", conn.Role)
	}

	c.t = c.t.Add(5 * time.Second)
	if !reg.Touch("c1") {
		t.Fatal("expected touch to find connection")
	}
	got, _ := reg.Get("c1")
	if !got.LastSeenAt.Equal(c.t) {
		t.Fatalf("lastSeenAt not refreshed: %v", got.LastSeenAt)
	}
	if !got.ConnectedAt.Equal(conn.ConnectedAt) {
		t.Fatalf("connectedAt changed: %v", got.ConnectedAt)
	}
}

func TestTouchAfterDepartureIsNoop(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("c1", "", "")
	reg.Unregister("c1")

	if reg.Touch("c1") {
		t.Fatal("touch should not resurrect a departed connection")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestUnregisterRunsHooksOnce(t *testing.T) {
	reg := registry.New(nil)
	calls := 0
	reg.OnUnregister(func(conn session.Connection) {
		if conn.ID != "c1" {
			t.Fatalf("unexpected hook connection %s", conn.ID)
		}
		calls++
	})

	reg.Register("c1", "", "")
	if !reg.Unregister("c1") {
		t.Fatal("first unregister should report removal")
	}
	if reg.Unregister("c1") {
		t.Fatal("second unregister should be a no-op")
	}
	if calls != 1 {
		t.Fatalf("expected hook to run once, ran %d times", calls)
	}
}

func TestDeclareRole(t *testing.T) {
	reg := registry.New(nil)
	reg.Register("c1", "", "")

	if _, err := reg.DeclareRole("c1", session.RoleClient); err != nil {
		t.Fatalf("DeclareRole err: %v", err)
	}
	if _, err := reg.DeclareRole("c1", session.RoleClient); err != nil {
		t.Fatalf("repeating the same role should succeed: %v", err)
	}
	if _, err := reg.DeclareRole("c1", session.RoleConsole); !errors.Is(err, registry.ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}
	if _, err := reg.DeclareRole("missing", session.RoleClient); !errors.Is(err, registry.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestWithRoleOrdersByConnectTime(t *testing.T) {
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(c.now)

	for _, id := range []string{"b", "a", "c"} {
		reg.Register(id, "", "")
		c.t = c.t.Add(time.Second)
	}
	reg.DeclareRole("b", session.RoleConsole)
	reg.DeclareRole("a", session.RoleClient)
	reg.DeclareRole("c", session.RoleConsole)

	consoles := reg.WithRole(session.RoleConsole)
	if len(consoles) != 2 || consoles[0] != "b" || consoles[1] != "c" {
		t.Fatalf("unexpected consoles: %v", consoles)
	}
	if reg.RoleOf("a") != session.RoleClient {
		t.Fatalf("expected client role for a")
	}
	if reg.RoleOf("zzz") != session.RoleUnknown {
		t.Fatalf("expected unknown role for absent connection")
	}
}
