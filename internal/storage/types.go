package storage

import (
	"strings"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "file": single JSON document (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// State is the per-channel notification state. Timestamps are stored as
// RFC3339 UTC strings; malformed values read back as absent.
type State struct {
	LastVideoID    string
	LastNotifiedAt string
	CooldownUntil  string
}

// NotifiedAt returns the parsed last-notified timestamp.
// Returns ok=false when the field is empty or unparseable.
func (s State) NotifiedAt() (time.Time, bool) {
	return parseStamp(s.LastNotifiedAt)
}

// CooldownActive reports whether the channel cooldown is still in effect at
// the given instant. Unparseable stamps never block (fail open).
func (s State) CooldownActive(now time.Time) bool {
	until, ok := parseStamp(s.CooldownUntil)
	return ok && now.Before(until)
}

func parseStamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatStamp renders a timestamp in the canonical persisted form.
func FormatStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
