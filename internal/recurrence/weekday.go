package recurrence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Weekdays is a set of days of the week stored as a bit-set, bit i being
// time.Weekday(i).
type Weekdays uint8

// Weekend and Workweek are common presets.
const (
	Weekend  = Weekdays(1<<time.Sunday | 1<<time.Saturday)
	Workweek = Weekdays(1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday)
	allDays  = Weekend | Workweek
)

// NewWeekdays builds a set from the given days.
func NewWeekdays(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w = w.Add(d)
	}
	return w
}

// Add returns the set with d included.
func (w Weekdays) Add(d time.Weekday) Weekdays {
	if d < time.Sunday || d > time.Saturday {
		return w
	}
	return w | 1<<d
}

// Has reports whether d is in the set.
func (w Weekdays) Has(d time.Weekday) bool {
	if d < time.Sunday || d > time.Saturday {
		return false
	}
	return w&(1<<d) != 0
}

// Empty reports whether no day is set.
func (w Weekdays) Empty() bool {
	return w&allDays == 0
}

// Days returns the members in Sunday..Saturday order.
func (w Weekdays) Days() []time.Weekday {
	days := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Has(d) {
			days = append(days, d)
		}
	}
	return days
}

func (w Weekdays) String() string {
	days := w.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = strings.ToLower(d.String())
	}
	return strings.Join(names, ",")
}

// Short renders the set as three-letter abbreviations ("Mon Wed Fri").
func (w Weekdays) Short() string {
	switch w & allDays {
	case allDays:
		return "every day"
	case Workweek:
		return "weekdays"
	case Weekend:
		return "weekends"
	}
	days := w.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = d.String()[:3]
	}
	return strings.Join(names, " ")
}

// ParseWeekday accepts English day names and their three-letter
// abbreviations, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// ParseWeekdays parses a comma separated list such as "monday, wed,FRI".
func ParseWeekdays(s string) (Weekdays, error) {
	var w Weekdays
	if strings.TrimSpace(s) == "" {
		return w, nil
	}
	for _, part := range strings.Split(s, ",") {
		d, err := ParseWeekday(part)
		if err != nil {
			return 0, err
		}
		w = w.Add(d)
	}
	return w, nil
}

// MarshalJSON encodes the set as an array of lowercase day names.
func (w Weekdays) MarshalJSON() ([]byte, error) {
	days := w.Days()
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = strings.ToLower(d.String())
	}
	return json.Marshal(names)
}

// UnmarshalJSON accepts either an array of day names or a comma separated
// string.
func (w *Weekdays) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("weekdays must be a list or a comma separated string")
		}
		parsed, err := ParseWeekdays(s)
		if err != nil {
			return err
		}
		*w = parsed
		return nil
	}
	var parsed Weekdays
	for _, n := range names {
		d, err := ParseWeekday(n)
		if err != nil {
			return err
		}
		parsed = parsed.Add(d)
	}
	*w = parsed
	return nil
}
