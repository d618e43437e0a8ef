package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field crontab expressions plus descriptors
// like "@hourly" and "@every 5m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule decides when the next sweep happens. It is either a fixed
// interval or a cron expression.
//
// Supported forms:
//   - Go duration: "2m", "1h30m"
//   - Cron (crontab.guru-style): "*/5 * * * *", "@hourly", "@every 55m"
//
// Optional prefixes "cron:" and "interval:" force the interpretation.
type Schedule struct {
	spec  string
	every time.Duration // > 0 for interval schedules
	cron  cron.Schedule // non-nil for cron schedules
}

// ParseSchedule parses a schedule string. Empty input defaults to a 2 minute
// interval.
func ParseSchedule(raw string) (*Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return &Schedule{spec: "2m", every: 2 * time.Minute}, nil
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(expr)
	}
	if strings.HasPrefix(low, "interval:") {
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	}

	// Heuristic: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("poll interval must be > 0")
		}
		return &Schedule{spec: s, every: d}, nil
	}

	return nil, fmt.Errorf(
		"invalid poll schedule %q (use a duration like '2m' or cron like '*/5 * * * *')", raw)
}

func parseCron(expr string) (*Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return &Schedule{spec: expr, cron: sched}, nil
}

func parseInterval(v string) (*Schedule, error) {
	if v == "" {
		return nil, fmt.Errorf("interval required after 'interval:'")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q (use a Go duration like '2m')", v)
	}
	if d <= 0 {
		return nil, fmt.Errorf("poll interval must be > 0")
	}
	return &Schedule{spec: v, every: d}, nil
}

// Next returns the time of the sweep after now.
func (s *Schedule) Next(now time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(now)
	}
	return now.Add(s.every)
}

func (s *Schedule) String() string { return s.spec }
