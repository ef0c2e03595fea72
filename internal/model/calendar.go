package model

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// CalendarKey is the alignment unit shared by every source: a (year, month)
// pair, optionally carrying a day for sources with daily resolution. Day 0
// means the key is monthly. Keys are ordered lexicographically by
// (Year, Month, Day).
type CalendarKey struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
	Day   int        `json:"day,omitempty"`
}

// MonthlyKey returns a monthly calendar key.
func MonthlyKey(year int, month time.Month) CalendarKey {
	return CalendarKey{Year: year, Month: month}
}

// DailyKey returns a daily calendar key.
func DailyKey(year int, month time.Month, day int) CalendarKey {
	return CalendarKey{Year: year, Month: month, Day: day}
}

// KeyFromTime builds a daily key from a timestamp.
func KeyFromTime(t time.Time) CalendarKey {
	return CalendarKey{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// Monthly drops the day component, collapsing a daily key to its month.
func (k CalendarKey) Monthly() CalendarKey {
	return CalendarKey{Year: k.Year, Month: k.Month}
}

// IsDaily reports whether the key carries a day component.
func (k CalendarKey) IsDaily() bool {
	return k.Day != 0
}

// Compare returns -1, 0, or 1 ordering k against other lexicographically.
func (k CalendarKey) Compare(other CalendarKey) int {
	switch {
	case k.Year != other.Year:
		if k.Year < other.Year {
			return -1
		}
		return 1
	case k.Month != other.Month:
		if k.Month < other.Month {
			return -1
		}
		return 1
	case k.Day != other.Day:
		if k.Day < other.Day {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether k orders strictly before other.
func (k CalendarKey) Before(other CalendarKey) bool {
	return k.Compare(other) < 0
}

// String renders "2025-01" for monthly keys and "2025-01-15" for daily keys.
func (k CalendarKey) String() string {
	if k.IsDaily() {
		return fmt.Sprintf("%04d-%02d-%02d", k.Year, int(k.Month), k.Day)
	}
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// ParseCalendarKey parses the String form back into a key.
func ParseCalendarKey(s string) (CalendarKey, error) {
	var y, m, d int
	if n, err := fmt.Sscanf(s, "%d-%d-%d", &y, &m, &d); err == nil && n == 3 {
		if m < 1 || m > 12 || d < 1 || d > 31 {
			return CalendarKey{}, eris.Errorf("calendar key out of range: %q", s)
		}
		return DailyKey(y, time.Month(m), d), nil
	}
	if n, err := fmt.Sscanf(s, "%d-%d", &y, &m); err == nil && n == 2 {
		if m < 1 || m > 12 {
			return CalendarKey{}, eris.Errorf("calendar key out of range: %q", s)
		}
		return MonthlyKey(y, time.Month(m)), nil
	}
	return CalendarKey{}, eris.Errorf("unparseable calendar key: %q", s)
}

// DaysInMonth returns the number of days in the key's month.
func (k CalendarKey) DaysInMonth() int {
	return time.Date(k.Year, k.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
