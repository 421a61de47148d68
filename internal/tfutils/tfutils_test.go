package tfutils

import (
	"testing"
	"time"
)

func TestGetTimeframeDuration(t *testing.T) {
	tests := []struct {
		timeframe string
		expected  time.Duration
	}{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"15m", 15 * time.Minute},
		{"30m", 30 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
		{"2m", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := GetTimeframeDuration(tt.timeframe); got != tt.expected {
			t.Errorf("GetTimeframeDuration(%q) = %v, want %v", tt.timeframe, got, tt.expected)
		}
	}
}

func TestIsValidTimeframe(t *testing.T) {
	for _, tf := range GetSupportedTimeframes() {
		if !IsValidTimeframe(tf) {
			t.Errorf("expected %q to be valid", tf)
		}
	}
	if IsValidTimeframe("7m") {
		t.Error("expected 7m to be invalid")
	}
}

func TestParseWindow(t *testing.T) {
	t.Run("valid window", func(t *testing.T) {
		w, err := ParseWindow("00:00-06:00")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if w.StartMin != 0 || w.EndMin != 360 {
			t.Errorf("expected 0-360, got %d-%d", w.StartMin, w.EndMin)
		}
	})

	t.Run("invalid forms", func(t *testing.T) {
		for _, s := range []string{"", "00:00", "0:0:0-06:00", "25:00-06:00", "00:61-06:00"} {
			if _, err := ParseWindow(s); err == nil {
				t.Errorf("expected error for %q", s)
			}
		}
	})
}

func TestParseClock(t *testing.T) {
	got, err := ParseClock("14:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 14*60+30 {
		t.Errorf("ParseClock(14:30) = %d, want %d", got, 14*60+30)
	}

	for _, s := range []string{"", "14", "24:00", "14:60", "ab:cd"} {
		if _, err := ParseClock(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{StartMin: 0, EndMin: 360} // 00:00-06:00

	tests := []struct {
		name     string
		at       time.Time
		expected bool
	}{
		{"midnight", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), true},
		{"inside", time.Date(2024, 3, 5, 3, 30, 0, 0, time.UTC), true},
		{"end exclusive", time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC), false},
		{"after", time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Contains(tt.at); got != tt.expected {
				t.Errorf("Contains(%v) = %v, want %v", tt.at, got, tt.expected)
			}
		})
	}
}

func TestWindowWrapping(t *testing.T) {
	w := Window{StartMin: 22 * 60, EndMin: 2 * 60} // 22:00-02:00

	if !w.Contains(time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)) {
		t.Error("expected 23:00 inside wrapping window")
	}
	if !w.Contains(time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC)) {
		t.Error("expected 01:00 inside wrapping window")
	}
	if w.Contains(time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)) {
		t.Error("expected 12:00 outside wrapping window")
	}

	// Bounds before the wrap point span into the next day.
	start, end := w.BoundsFor(time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC))
	if start.Day() != 5 || end.Day() != 6 {
		t.Errorf("expected bounds 5th 22:00 to 6th 02:00, got %v to %v", start, end)
	}

	// Bounds after midnight anchor the start on the previous day.
	start, end = w.BoundsFor(time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC))
	if start.Day() != 5 || end.Day() != 6 {
		t.Errorf("expected bounds 5th 22:00 to 6th 02:00, got %v to %v", start, end)
	}
}

func TestWindowEndedBy(t *testing.T) {
	w := Window{StartMin: 0, EndMin: 360}

	if w.EndedBy(time.Date(2024, 3, 5, 5, 59, 0, 0, time.UTC)) {
		t.Error("window should not be ended at 05:59")
	}
	if !w.EndedBy(time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC)) {
		t.Error("window should be ended at 06:00")
	}
}

func TestDayStartUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	at := time.Date(2024, 3, 5, 1, 30, 0, 0, loc) // 2024-03-04 22:30 UTC
	day := DayStartUTC(at)
	if day.Year() != 2024 || day.Month() != 3 || day.Day() != 4 || day.Hour() != 0 {
		t.Errorf("expected 2024-03-04 00:00 UTC, got %v", day)
	}

	if !SameDayUTC(at, time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)) {
		t.Error("expected same UTC day")
	}
}
