package tfutils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimeframe parses timeframe string (e.g., "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	d := GetTimeframeDuration(timeframe)
	if d == 0 {
		return 0, errors.New("unsupported timeframe")
	}
	return d, nil
}

// GetTimeframeDuration returns the duration for a given timeframe
func GetTimeframeDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 0
	}
}

func TimeframeMinutes(timeframe string) int {
	return int(GetTimeframeDuration(timeframe) / time.Minute)
}

// GetSupportedTimeframes returns all supported timeframes
func GetSupportedTimeframes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}

// DayStartUTC truncates t to the start of its UTC calendar day.
func DayStartUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDayUTC checks if a and b fall on the same UTC calendar day.
func SameDayUTC(a, b time.Time) bool {
	return DayStartUTC(a).Equal(DayStartUTC(b))
}

// Window is a daily time window expressed in minutes from UTC midnight.
// End is exclusive. Windows wrapping past midnight (e.g. 22:00-02:00) are supported.
type Window struct {
	StartMin int
	EndMin   int
}

// ParseWindow parses a window in "HH:MM-HH:MM" form.
func ParseWindow(s string) (Window, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("invalid window %q: expected HH:MM-HH:MM", s)
	}
	start, err := ParseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	end, err := ParseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	return Window{StartMin: start, EndMin: end}, nil
}

// ParseClock parses a "HH:MM" clock into minutes from midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Contains checks if the UTC clock time of t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	u := t.UTC()
	mins := u.Hour()*60 + u.Minute()
	if w.StartMin <= w.EndMin {
		return mins >= w.StartMin && mins < w.EndMin
	}
	// Wrapping window
	return mins >= w.StartMin || mins < w.EndMin
}

// BoundsFor returns the concrete [start, end) bounds of the window on the UTC day of t.
// For wrapping windows the start shifts to the previous day when t sits before the end.
func (w Window) BoundsFor(t time.Time) (time.Time, time.Time) {
	day := DayStartUTC(t)
	start := day.Add(time.Duration(w.StartMin) * time.Minute)
	end := day.Add(time.Duration(w.EndMin) * time.Minute)
	if w.StartMin > w.EndMin {
		u := t.UTC()
		mins := u.Hour()*60 + u.Minute()
		if mins < w.EndMin {
			start = start.Add(-24 * time.Hour)
		} else {
			end = end.Add(24 * time.Hour)
		}
	}
	return start, end
}

// EndedBy checks if the window on the UTC day of t has fully elapsed by t.
func (w Window) EndedBy(t time.Time) bool {
	_, end := w.BoundsFor(t)
	return !t.UTC().Before(end)
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.StartMin/60, w.StartMin%60, w.EndMin/60, w.EndMin%60)
}
