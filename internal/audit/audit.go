// Package audit appends administrative actions to a JSON-lines log kept
// separate from operational logging, so "who did what to which peer"
// survives log level changes and restarts.
package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Log writes one JSON line per recorded action.
type Log struct {
	logger *slog.Logger
	f      *os.File
}

// Open creates or appends to the audit file. Mode 0600: entries name
// peers and endpoints.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{
		logger: slog.New(slog.NewJSONHandler(f, nil)),
		f:      f,
	}, nil
}

// Record appends one action. attrs are alternating key/value pairs.
func (l *Log) Record(actor, action string, attrs ...any) {
	l.logger.Info(action, append([]any{slog.String("actor", actor)}, attrs...)...)
}

func (l *Log) Close() error { return l.f.Close() }
