package pacing

import (
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2026, time.March, 10, hour, min, 0, 0, time.Local)
}

func TestNormalizeClamps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   Settings
		want Settings
	}{
		{
			"zero value pulled up to minimums",
			Settings{},
			Settings{DailyLimit: 1, MinDelaySeconds: 5, MaxDelaySeconds: 5},
		},
		{
			"negative limit",
			Settings{DailyLimit: -3, MinDelaySeconds: 90, MaxDelaySeconds: 300},
			Settings{DailyLimit: 1, MinDelaySeconds: 90, MaxDelaySeconds: 300},
		},
		{
			"max below min rises to min",
			Settings{DailyLimit: 10, MinDelaySeconds: 120, MaxDelaySeconds: 30},
			Settings{DailyLimit: 10, MinDelaySeconds: 120, MaxDelaySeconds: 120},
		},
		{
			"hours clamped to 0..23",
			Settings{DailyLimit: 10, MinDelaySeconds: 90, MaxDelaySeconds: 300, BizStartHour: -2, BizEndHour: 30},
			Settings{DailyLimit: 10, MinDelaySeconds: 90, MaxDelaySeconds: 300, BizStartHour: 0, BizEndHour: 23},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.in.Normalize(); got != tc.want {
				t.Fatalf("Normalize() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestEvaluateDailyLimit(t *testing.T) {
	t.Parallel()
	p := New()
	s := Defaults()

	d := p.Evaluate(s, s.DailyLimit-1, at(12, 0))
	if !d.Allowed {
		t.Fatalf("under limit refused: %+v", d)
	}
	d = p.Evaluate(s, s.DailyLimit, at(12, 0))
	if d.Allowed || d.Reason != ReasonDailyLimitReached {
		t.Fatalf("at limit = %+v", d)
	}
	if d.RetryIn <= 0 {
		t.Fatalf("no retry hint: %+v", d)
	}
}

func TestEvaluateBusinessHours(t *testing.T) {
	t.Parallel()
	p := New()

	day := Defaults()
	day.BusinessHoursOnly = true // 9..17

	night := Defaults()
	night.BusinessHoursOnly = true
	night.BizStartHour = 22
	night.BizEndHour = 6

	cases := []struct {
		name    string
		s       Settings
		now     time.Time
		allowed bool
	}{
		{"inside window", day, at(12, 30), true},
		{"start boundary inclusive", day, at(9, 0), true},
		{"end boundary inclusive", day, at(17, 0), true},
		{"just past end", day, at(17, 1), false},
		{"before start", day, at(8, 59), false},
		{"midnight window late evening", night, at(23, 15), true},
		{"midnight window early morning", night, at(5, 0), true},
		{"midnight window midday", night, at(12, 0), false},
		{"gate disabled", Defaults(), at(3, 0), true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := p.Evaluate(tc.s, 0, tc.now)
			if d.Allowed != tc.allowed {
				t.Fatalf("Evaluate at %v = %+v, want allowed=%v", tc.now, d, tc.allowed)
			}
			if !tc.allowed && d.Reason != ReasonOutsideBusinessHours {
				t.Fatalf("reason = %q", d.Reason)
			}
		})
	}
}

func TestNextDelayStaysInRange(t *testing.T) {
	t.Parallel()
	p := New()
	s := Settings{DailyLimit: 10, MinDelaySeconds: 30, MaxDelaySeconds: 60}

	for i := 0; i < 200; i++ {
		d := p.NextDelay(s)
		if d < 30*time.Second || d > 60*time.Second {
			t.Fatalf("delay %v outside [30s, 60s]", d)
		}
	}

	fixed := Settings{DailyLimit: 10, MinDelaySeconds: 45, MaxDelaySeconds: 45}
	if d := p.NextDelay(fixed); d != 45*time.Second {
		t.Fatalf("degenerate range delay = %v", d)
	}
}
