// Package recurrence evaluates when a patrol task is due: which calendar
// dates, and the absolute window on each of them.
package recurrence

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRule is returned for a malformed recurrence definition.
	ErrInvalidRule = errors.New("invalid recurrence rule")
	// ErrInvalidRange is returned when a caller passes from after to.
	ErrInvalidRange = errors.New("invalid range")
)

// Spec is the raw recurrence definition of a task.
type Spec struct {
	Repeat bool
	// Days is required when Repeat is set and ignored otherwise.
	Days Weekdays
	// Date is the single scheduled date of a non-repeating task.
	Date  Date
	Start TimeOfDay
	End   TimeOfDay
	// Location is the enterprise zone; nil means UTC.
	Location *time.Location
}

// Rule is a validated, immutable recurrence definition.
type Rule struct {
	repeat bool
	days   Weekdays
	date   Date
	start  TimeOfDay
	end    TimeOfDay
	loc    *time.Location
}

// NewRule validates spec and builds a Rule.
func NewRule(spec Spec) (Rule, error) {
	if !spec.Start.Valid() || !spec.End.Valid() {
		return Rule{}, fmt.Errorf("%w: time of day out of range", ErrInvalidRule)
	}
	if spec.End < spec.Start {
		return Rule{}, fmt.Errorf("%w: end %s before start %s", ErrInvalidRule, spec.End, spec.Start)
	}
	r := Rule{
		repeat: spec.Repeat,
		start:  spec.Start,
		end:    spec.End,
		loc:    spec.Location,
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if spec.Repeat {
		if spec.Days.Empty() {
			return Rule{}, fmt.Errorf("%w: repeating rule needs at least one day of the week", ErrInvalidRule)
		}
		r.days = spec.Days & allDays
	} else {
		if spec.Date.IsZero() {
			return Rule{}, fmt.Errorf("%w: single occurrence rule needs a scheduled date", ErrInvalidRule)
		}
		r.date = spec.Date
	}
	return r, nil
}

// Repeat reports whether the rule recurs weekly.
func (r Rule) Repeat() bool { return r.repeat }

// Days returns the recurring days; empty for a single occurrence rule.
func (r Rule) Days() Weekdays { return r.days }

// ScheduledDate returns the single date of a non-repeating rule.
func (r Rule) ScheduledDate() Date { return r.date }

// Location returns the zone all calendar arithmetic happens in.
func (r Rule) Location() *time.Location { return r.loc }

// IsDue reports whether the rule has an occurrence on d.
func (r Rule) IsDue(d Date) bool {
	if r.repeat {
		return r.days.Has(d.Weekday())
	}
	return d == r.date
}

// DueWindow returns the absolute window of d, in UTC. It does not check
// IsDue.
func (r Rule) DueWindow(d Date) (start, end time.Time) {
	return r.start.On(d, r.loc).UTC(), r.end.On(d, r.loc).UTC()
}

// DateAt returns the calendar date of instant t in the rule's zone.
func (r Rule) DateAt(t time.Time) Date {
	return DateOf(t.In(r.loc))
}

func (r Rule) String() string {
	window := fmt.Sprintf("%s-%s", r.start, r.end)
	if r.repeat {
		return fmt.Sprintf("%s %s", r.days.Short(), window)
	}
	return fmt.Sprintf("once %s %s", r.date, window)
}
