// Package temporal models identified entities whose state changes over time
// as an ordered list of validity-bounded snapshots.
package temporal

import (
	"fmt"
	"sort"
	"time"
)

var (
	// MinTime is the default start of a validity interval.
	MinTime = time.Time{}
	// MaxTime is the default end of a validity interval.
	MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// Interval is a half-open validity window [From, To).
type Interval struct {
	From time.Time
	To   time.Time
}

// Always returns the interval covering every representable instant.
func Always() Interval {
	return Interval{From: MinTime, To: MaxTime}
}

// Contains reports whether t lies within the interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.From) && t.Before(i.To)
}

// Precedes reports whether i ends at or before o starts.
func (i Interval) Precedes(o Interval) bool {
	return !i.To.After(o.From)
}

// Overlaps reports whether neither interval strictly precedes the other.
func (i Interval) Overlaps(o Interval) bool {
	return !i.Precedes(o) && !o.Precedes(i)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.From.Format(time.RFC3339), i.To.Format(time.RFC3339))
}

// State is implemented by every snapshot stored on an Entity.
type State interface {
	Validity() Interval
}

// Entity is an identified object with time-bounded states kept in insertion order.
type Entity[S State] struct {
	ID     string
	States []S
}

// NewEntity returns an empty entity with the given id.
func NewEntity[S State](id string) *Entity[S] {
	return &Entity[S]{ID: id}
}

// Add appends a state without any ordering or overlap validation.
func (e *Entity[S]) Add(s S) {
	e.States = append(e.States, s)
}

// StateAt returns the first state whose interval contains t.
func (e *Entity[S]) StateAt(t time.Time) (S, bool) {
	for _, s := range e.States {
		if s.Validity().Contains(t) {
			return s, true
		}
	}
	var zero S
	return zero, false
}

// OrderStates sorts states by start and fails when two of them overlap.
// After a successful call StateAt returns the unique matching state.
func (e *Entity[S]) OrderStates() error {
	sort.SliceStable(e.States, func(i, j int) bool {
		return e.States[i].Validity().From.Before(e.States[j].Validity().From)
	})
	for i := 0; i < len(e.States); i++ {
		for j := i + 1; j < len(e.States); j++ {
			a, b := e.States[i].Validity(), e.States[j].Validity()
			if a.Overlaps(b) {
				return &OverlapError{ID: e.ID, First: a, Second: b}
			}
		}
	}
	return nil
}

// OverlapError reports two states of one entity with overlapping validity.
type OverlapError struct {
	ID     string
	First  Interval
	Second Interval
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("entity %s has overlapping states %s and %s", e.ID, e.First, e.Second)
}
