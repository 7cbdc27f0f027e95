package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Schedule is a normalized schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 3 * * *", "@hourly", "@every 55m"
//   - Go duration interval: "55m", "2h30m"
//   - HH:MM interval: "00:50" (50 minutes), "06:00" (6 hours)
//
// The prefixes "cron:", "interval:" and "every:" force a form.
type Schedule struct {
	Kind  Kind
	Expr  string        // cron expression, KindCron only
	Every time.Duration // KindInterval only
	Raw   string
}

// CronSpec renders s in a form robfig/cron accepts.
func (s Schedule) CronSpec() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Expr
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

func Parse(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("empty cron expression in %q", raw)
		}
		return Schedule{Kind: KindCron, Expr: expr, Raw: raw}, nil
	case strings.HasPrefix(low, "interval:"):
		return interval(s[len("interval:"):], raw)
	case strings.HasPrefix(low, "every:"):
		return interval(s[len("every:"):], raw)
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return Schedule{Kind: KindCron, Expr: s, Raw: raw}, nil
	}

	sch, err := interval(s, raw)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '0 3 * * *', HH:MM like '06:00', or a duration like '30m')", raw)
	}
	return sch, nil
}

func interval(v, raw string) (Schedule, error) {
	v = strings.TrimSpace(v)
	var (
		d   time.Duration
		err error
	)
	if m := hhmm.FindStringSubmatch(v); m != nil {
		d, err = hhmmDuration(m[1], m[2])
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0, got %q", v)
	}
	return Schedule{Kind: KindInterval, Every: d, Raw: raw}, nil
}

func hhmmDuration(hs, ms string) (time.Duration, error) {
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(ms)
	if err != nil {
		return 0, err
	}
	if m > 59 {
		return 0, fmt.Errorf("minutes out of range")
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
