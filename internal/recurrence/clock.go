package recurrence

import (
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock offset from midnight in seconds. EndOfDay (24:00)
// is accepted so a window may run to the end of its date.
type TimeOfDay int

const EndOfDay TimeOfDay = 24 * 60 * 60

// Clock builds a TimeOfDay from hours, minutes and seconds.
func Clock(h, m, s int) TimeOfDay {
	return TimeOfDay(h*3600 + m*60 + s)
}

// ParseTimeOfDay accepts "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" || s == "24:00:00" {
		return EndOfDay, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return Clock(t.Hour(), t.Minute(), t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q (use HH:MM)", s)
}

// Valid reports whether t lies within [00:00, 24:00].
func (t TimeOfDay) Valid() bool {
	return t >= 0 && t <= EndOfDay
}

func (t TimeOfDay) split() (h, m, s int) {
	v := int(t)
	return v / 3600, v % 3600 / 60, v % 60
}

func (t TimeOfDay) String() string {
	h, m, s := t.split()
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// On returns the absolute instant of t on date d in loc. Daylight saving
// transitions are resolved by time.Date.
func (t TimeOfDay) On(d Date, loc *time.Location) time.Time {
	h, m, s := t.split()
	return time.Date(d.Year, d.Month, d.Day, h, m, s, 0, loc)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
