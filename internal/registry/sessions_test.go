package registry

import (
	"context"
	"errors"
	"testing"
)

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.CreatePeer(ctx, testPeer("alice", "alice-pub", "10.50.0.3")); err != nil {
		t.Fatal(err)
	}

	id, err := r.OpenSession(ctx, "alice-pub", "203.0.113.9:51820", 1_700_000_000)
	if err != nil {
		t.Fatalf("OpenSession() error: %v", err)
	}

	if err := r.AddSessionBytes(ctx, id, 1000, 2000); err != nil {
		t.Fatal(err)
	}
	if err := r.AddSessionBytes(ctx, id, 500, 500); err != nil {
		t.Fatal(err)
	}
	if err := r.CloseSession(ctx, id, 1_700_000_300); err != nil {
		t.Fatalf("CloseSession() error: %v", err)
	}

	// Bytes added after close must not land anywhere.
	if err := r.AddSessionBytes(ctx, id, 9999, 9999); err != nil {
		t.Fatal(err)
	}

	sessions, err := r.SessionsForPeer(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.Active {
		t.Error("closed session still active")
	}
	if s.EndTime != 1_700_000_300 {
		t.Errorf("end time = %d, want 1700000300", s.EndTime)
	}
	if s.Rx != 1500 || s.Tx != 2500 {
		t.Errorf("session bytes = (%d, %d), want (1500, 2500)", s.Rx, s.Tx)
	}
}

func TestOpenSessionUnknownPeer(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)

	if _, err := r.OpenSession(context.Background(), "ghost-pub", "", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("OpenSession(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestCloseAllOpenSessions(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.CreatePeer(ctx, testPeer("alice", "alice-pub", "10.50.0.3")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.OpenSession(ctx, "alice-pub", "", 100); err != nil {
		t.Fatal(err)
	}
	if _, err := r.OpenSession(ctx, "alice-pub", "", 200); err != nil {
		t.Fatal(err)
	}

	if err := r.CloseAllOpenSessions(ctx, 300); err != nil {
		t.Fatal(err)
	}

	sessions, err := r.SessionsForPeer(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range sessions {
		if s.Active || s.EndTime != 300 {
			t.Errorf("session %d not closed at 300: %+v", s.ID, s)
		}
	}
}

func TestSessionsNewestFirstAndLimit(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.CreatePeer(ctx, testPeer("alice", "alice-pub", "10.50.0.3")); err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 5; i++ {
		id, err := r.OpenSession(ctx, "alice-pub", "", i*100)
		if err != nil {
			t.Fatal(err)
		}
		if err := r.CloseSession(ctx, id, i*100+50); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := r.SessionsForPeer(ctx, "alice", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(sessions))
	}
	if sessions[0].StartTime != 500 || sessions[2].StartTime != 300 {
		t.Errorf("sessions not newest first: %v", sessions)
	}
}

func TestSessionsCascadeOnPeerDelete(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.CreatePeer(ctx, testPeer("alice", "alice-pub", "10.50.0.3")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.OpenSession(ctx, "alice-pub", "", 100); err != nil {
		t.Fatal(err)
	}
	if err := r.DeletePeer(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	sessions, err := r.SessionsForPeer(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions survived peer deletion: %v", sessions)
	}
}
