package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind tells how a schedule string was interpreted.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "cron"
	}
}

// Spec is a schedule string rewritten into an evaluator expression.
//
// Accepted input:
//   - Cron: "*/5 * * * *", "0 30 9 * * MON-FRI", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2h30m)
//   - One-shot: "@at 2026-01-02T15:04:05Z"
//
// Prefixes "cron:" and "interval:" / "every:" force the interpretation.
type Spec struct {
	Kind   Kind
	Expr   string
	Every  time.Duration // interval kinds only
	Source string        // "cron" | "duration" | "hhmm" | "once"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func Normalize(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, ErrEmptyExpression
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidExpression)
		}
		return Spec{Kind: KindCron, Expr: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, OnceDescriptor+" "):
		return Spec{Kind: KindOnce, Expr: s, Source: "once"}, nil
	case strings.HasPrefix(low, "@every"):
		return intervalSpec(s[len("@every"):])
	}

	// whitespace or a descriptor means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Spec{Kind: KindCron, Expr: s, Source: "cron"}, nil
	}
	if reHHMM.MatchString(s) || isDuration(s) {
		return intervalSpec(s)
	}

	return Spec{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		ErrInvalidExpression, raw,
	)
}

func isDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

func intervalSpec(v string) (Spec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Kind: KindInterval, Expr: Every(d), Every: d, Source: src}, nil
}

// Every builds the interval expression for d.
func Every(d time.Duration) string { return "@every " + d.String() }

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("%w: interval required", ErrInvalidExpression)
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("%w: interval %q (use HH:MM or Go duration like '55m')", ErrInvalidExpression, v)
	}
	if d < time.Second {
		return 0, "", fmt.Errorf("%w: interval must be >= 1s, got %s", ErrInvalidExpression, d)
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: HH:MM %q", ErrInvalidExpression, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: minutes in %q", ErrInvalidExpression, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidExpression)
	}
	return d, nil
}

// ClockTime parses a wall-clock "HH:MM" (00:00-23:59).
func ClockTime(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time %q, expected HH:MM", ErrInvalidExpression, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: hour in %q", ErrInvalidExpression, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: minute in %q", ErrInvalidExpression, s)
	}
	return h, m, nil
}

// Daily is the cron expression for every day at HH:MM.
func Daily(hhmm string) (string, error) {
	h, m, err := ClockTime(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", m, h), nil
}

// Weekly is the cron expression for weekday at HH:MM.
func Weekly(day time.Weekday, hhmm string) (string, error) {
	h, m, err := ClockTime(hhmm)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * %d", m, h, int(day)), nil
}
