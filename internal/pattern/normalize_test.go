package pattern

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		source string
		expr   string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron", expr: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron", expr: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron", expr: "@hourly"},
		{name: "every", raw: "@every 90s", kind: KindInterval, source: "duration", expr: "@every 1m30s", every: 90 * time.Second},
		{name: "duration", raw: "10m", kind: KindInterval, source: "duration", expr: "@every 10m0s", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", expr: "@every 45s", every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", expr: "@every 1h30m0s", every: 90 * time.Minute},
		{name: "once", raw: "@at 2026-01-02T15:04:05Z", kind: KindOnce, source: "once", expr: "@at 2026-01-02T15:04:05Z"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if got.Expr != tt.expr {
				t.Fatalf("Expr = %q, want %q", got.Expr, tt.expr)
			}
			if got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestNormalizeInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"not-a-schedule", "interval:", "cron:", "500ms", "00:00"} {
		if _, err := Normalize(raw); !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("Normalize(%q) err = %v, want ErrInvalidExpression", raw, err)
		}
	}
	if _, err := Normalize("  "); !errors.Is(err, ErrEmptyExpression) {
		t.Fatalf("empty input err = %v", err)
	}
}

func TestClockTime(t *testing.T) {
	t.Parallel()
	h, m, err := ClockTime("23:15")
	if err != nil {
		t.Fatalf("ClockTime error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	if _, _, err := ClockTime("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestDailyWeekly(t *testing.T) {
	t.Parallel()
	d, err := Daily("07:05")
	if err != nil || d != "5 7 * * *" {
		t.Fatalf("Daily = %q, %v", d, err)
	}
	w, err := Weekly(time.Friday, "18:30")
	if err != nil || w != "30 18 * * 5" {
		t.Fatalf("Weekly = %q, %v", w, err)
	}
}

func TestStartupSpreadBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 100; i++ {
		if d := StartupSpread(5*time.Second, "x"); d < 0 || d >= 5*time.Second {
			t.Fatalf("spread %v out of range", d)
		}
		if d := StartupSpread(time.Hour, "y"); d >= maxStartupSpread {
			t.Fatalf("spread %v exceeds cap", d)
		}
	}
	if StartupSpread(0, "z") != 0 {
		t.Fatal("zero interval must not spread")
	}
}
