package recurrence

import (
	"fmt"
	"iter"
	"time"
)

// Occurrence is one calendar instance of a task. It is derived, never
// stored, and identified by (TaskID, Date).
type Occurrence struct {
	TaskID   string    `json:"task_id"`
	Date     Date      `json:"date"`
	DueStart time.Time `json:"due_start"`
	DueEnd   time.Time `json:"due_end"`
}

// Started reports whether the window has opened at now.
func (o Occurrence) Started(now time.Time) bool {
	return !now.Before(o.DueStart)
}

// Closed reports whether the window has fully elapsed at now.
func (o Occurrence) Closed(now time.Time) bool {
	return now.After(o.DueEnd)
}

// Contains reports whether t falls within the window, bounds included.
func (o Occurrence) Contains(t time.Time) bool {
	return !t.Before(o.DueStart) && !t.After(o.DueEnd)
}

// Occurrences yields the due occurrences of rule on the dates from..to
// inclusive, ascending. The sequence is lazy and may be ranged over again.
func Occurrences(taskID string, rule Rule, from, to Date) (iter.Seq[Occurrence], error) {
	if from.After(to) {
		return nil, fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange, from, to)
	}
	return func(yield func(Occurrence) bool) {
		for d := from; !d.After(to); d = d.AddDays(1) {
			if !rule.IsDue(d) {
				continue
			}
			if !yield(rule.occurrence(taskID, d)) {
				return
			}
		}
	}, nil
}

// Span yields the occurrences whose due window intersects the instant range
// [from, to]. An inverted instant range is a caller error; a valid range
// that contains no due window yields an empty sequence.
func Span(taskID string, rule Rule, from, to time.Time) (iter.Seq[Occurrence], error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	// a window ending at 24:00 ends on the next date's midnight
	first, last := rule.DateAt(from).AddDays(-1), rule.DateAt(to)
	dates, err := Occurrences(taskID, rule, first, last)
	if err != nil {
		return nil, err
	}
	return func(yield func(Occurrence) bool) {
		for o := range dates {
			if o.DueEnd.Before(from) || o.DueStart.After(to) {
				continue
			}
			if !yield(o) {
				return
			}
		}
	}, nil
}

// Occurrence returns the occurrence of rule on d and whether d is due.
func (r Rule) Occurrence(taskID string, d Date) (Occurrence, bool) {
	if !r.IsDue(d) {
		return Occurrence{}, false
	}
	return r.occurrence(taskID, d), true
}

func (r Rule) occurrence(taskID string, d Date) Occurrence {
	start, end := r.DueWindow(d)
	return Occurrence{TaskID: taskID, Date: d, DueStart: start, DueEnd: end}
}
