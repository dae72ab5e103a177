package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordAppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "actions.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	l.Record("admin", "peer_created", "peer", "alice", "ip", "10.50.0.3")
	l.Record("admin", "peer_deleted", "peer", "alice")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("audit file mode = %v, want 0600", info.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("first line not JSON: %v", err)
	}
	if entry["msg"] != "peer_created" || entry["actor"] != "admin" || entry["peer"] != "alice" {
		t.Errorf("entry = %v", entry)
	}

	// Reopening appends rather than truncates.
	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l2.Record("admin", "login")
	l2.Close()

	raw, _ = os.ReadFile(path)
	if n := len(strings.Split(strings.TrimSpace(string(raw)), "\n")); n != 3 {
		t.Errorf("after reopen got %d lines, want 3", n)
	}
}
