package engine

import (
	"strings"
	"time"
)

// Window is a relative lookback ending at query time. Windows are not
// calendar-aligned: "week" means the last 168 hours, not since Monday.
type Window string

const (
	WindowAllTime Window = ""
	WindowWeek    Window = "week"
	WindowMonth   Window = "month"
	WindowYear    Window = "year"
)

var windowLookback = map[Window]time.Duration{
	WindowWeek:  7 * 24 * time.Hour,
	WindowMonth: 30 * 24 * time.Hour,
	WindowYear:  365 * 24 * time.Hour,
}

// ParseWindow maps a query value to a Window. Unknown values resolve to
// all time instead of failing the request.
func ParseWindow(s string) Window {
	w := Window(strings.TrimSpace(s))
	if _, ok := windowLookback[w]; ok {
		return w
	}
	return WindowAllTime
}

// Start returns the inclusive lower bound for a window ending at now.
// The zero time means no lower bound.
func (w Window) Start(now time.Time) time.Time {
	d := w.Lookback()
	if d == 0 {
		return time.Time{}
	}
	return now.Add(-d)
}

// Bounds returns the half-open range [from, to) a query at now covers.
// to is one nanosecond past now so a completion stamped at the query
// instant is counted.
func (w Window) Bounds(now time.Time) (from, to time.Time) {
	return w.Start(now), now.Add(time.Nanosecond)
}

// Lookback returns the window length, or 0 for all time.
func (w Window) Lookback() time.Duration {
	return windowLookback[w]
}

func (w Window) String() string {
	if w == WindowAllTime {
		return "all"
	}
	return string(w)
}
