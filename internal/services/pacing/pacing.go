// Package pacing decides whether a connect request may be sent right
// now and how long to wait between attempts. The daily cap is always
// computed from persisted sent timestamps at evaluation time, never from
// an in-memory counter, so restarts and midnight rollovers cannot drift.
package pacing

import (
	"math/rand"
	"sync"
	"time"
)

// SettingsKey is the app_settings row the effective settings live under.
const SettingsKey = "connect_settings"

// Settings are the persisted pacing knobs. The JSON shape is the wire
// format of the control API and of the app_settings row.
type Settings struct {
	DailyLimit        int     `json:"daily_limit"`
	MinDelaySeconds   float64 `json:"min_delay_seconds"`
	MaxDelaySeconds   float64 `json:"max_delay_seconds"`
	BusinessHoursOnly bool    `json:"business_hours_only"`
	BizStartHour      int     `json:"biz_start_hour"`
	BizEndHour        int     `json:"biz_end_hour"`
}

// Defaults returns the settings used until an operator changes them.
func Defaults() Settings {
	return Settings{
		DailyLimit:        10,
		MinDelaySeconds:   90,
		MaxDelaySeconds:   300,
		BusinessHoursOnly: false,
		BizStartHour:      9,
		BizEndHour:        17,
	}
}

// Normalize clamps settings into their safe ranges: daily_limit >= 1,
// min delay >= 5s, max delay >= min delay, hours within [0,23].
func (s Settings) Normalize() Settings {
	if s.DailyLimit < 1 {
		s.DailyLimit = 1
	}
	if s.MinDelaySeconds < 5 {
		s.MinDelaySeconds = 5
	}
	if s.MaxDelaySeconds < s.MinDelaySeconds {
		s.MaxDelaySeconds = s.MinDelaySeconds
	}
	s.BizStartHour = clampHour(s.BizStartHour)
	s.BizEndHour = clampHour(s.BizEndHour)
	return s
}

func clampHour(h int) int {
	if h < 0 {
		return 0
	}
	if h > 23 {
		return 23
	}
	return h
}

// MinDelay returns the minimum inter-attempt delay.
func (s Settings) MinDelay() time.Duration {
	return time.Duration(s.MinDelaySeconds * float64(time.Second))
}

// MaxDelay returns the maximum inter-attempt delay.
func (s Settings) MaxDelay() time.Duration {
	return time.Duration(s.MaxDelaySeconds * float64(time.Second))
}

// Reason tells the worker why an attempt was refused.
type Reason string

const (
	ReasonOutsideBusinessHours Reason = "outside_business_hours"
	ReasonDailyLimitReached    Reason = "daily_limit_reached"
)

// Decision is one Evaluate outcome. RetryIn suggests how long the
// caller should sleep before asking again.
type Decision struct {
	Allowed bool
	Reason  Reason
	RetryIn time.Duration
}

// Policy evaluates pacing decisions and produces jittered delays.
type Policy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func New() *Policy {
	return &Policy{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Evaluate reports whether a send is allowed at now given how many
// requests already went out this local calendar day.
func (p *Policy) Evaluate(s Settings, sentToday int, now time.Time) Decision {
	if s.BusinessHoursOnly && !withinBusinessHours(s, now) {
		return Decision{Reason: ReasonOutsideBusinessHours, RetryIn: time.Minute}
	}
	if sentToday >= s.DailyLimit {
		return Decision{Reason: ReasonDailyLimitReached, RetryIn: 5 * time.Minute}
	}
	return Decision{Allowed: true}
}

// NextDelay draws a uniform random delay in [MinDelay, MaxDelay].
func (p *Policy) NextDelay(s Settings) time.Duration {
	min, max := s.MinDelay(), s.MaxDelay()
	if max <= min {
		return min
	}
	p.mu.Lock()
	d := min + time.Duration(p.rng.Int63n(int64(max-min)+1))
	p.mu.Unlock()
	return d
}

// withinBusinessHours checks the [start, end] window on local wall-clock
// time. start > end means the window crosses midnight (22:00 -> 06:00).
func withinBusinessHours(s Settings, now time.Time) bool {
	cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
	start := s.BizStartHour * 3600
	end := s.BizEndHour * 3600
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}
