// Package window computes the admission windows of a scheduled event.
//
// Live tracking opens two hours before an event starts and closes when it ends.
// Check-in runs from the same opening until the late threshold after the start.
// Check-out runs from the early tolerance before the end to the late tolerance after it.
// All bounds are inclusive.
package window

import (
	"math"
	"time"
)

// PreWindow is how long before the start live tracking and check-in open. Not configurable.
const PreWindow = 2 * time.Hour

// Defaults applied when an event leaves a tolerance unset.
const (
	DefaultLateThreshold          = 15 * time.Minute
	DefaultEarlyCheckoutTolerance = 30 * time.Minute
	DefaultLateCheckoutTolerance  = 15 * time.Minute
)

// Schedule is the part of an event the windows are derived from.
// Zero tolerances fall back to the package defaults.
type Schedule struct {
	Start                  time.Time
	End                    time.Time
	LateThreshold          time.Duration
	EarlyCheckoutTolerance time.Duration
	LateCheckoutTolerance  time.Duration
}

// Phase describes where an instant falls relative to an event.
type Phase string

const (
	PhaseBeforeWindow Phase = "before_window"
	PhasePreWindow    Phase = "pre_window"
	PhaseDuring       Phase = "during"
	PhaseNearEnd      Phase = "near_end"
	PhaseAfter        Phase = "after"
)

// Status is the full evaluation of a schedule at one instant.
type Status struct {
	Phase Phase `json:"phase"`

	PreWindowStart time.Time `json:"preWindowStart"`
	CheckInEnd     time.Time `json:"checkInEnd"`
	CheckOutStart  time.Time `json:"checkOutStart"`
	CheckOutEnd    time.Time `json:"checkOutEnd"`

	CanTrackGPS bool `json:"canTrackGPS"`
	CanCheckIn  bool `json:"canCheckIn"`
	CanCheckOut bool `json:"canCheckOut"`

	// Nil when the value no longer makes sense (event started or ended).
	MinutesUntilStart *int `json:"minutesUntilStart,omitempty"`
	MinutesUntilEnd   *int `json:"minutesUntilEnd,omitempty"`
}

// Valid reports whether the schedule carries both bounds.
func (s Schedule) Valid() bool {
	return !s.Start.IsZero() && !s.End.IsZero()
}

func (s Schedule) lateThreshold() time.Duration {
	if s.LateThreshold > 0 {
		return s.LateThreshold
	}
	return DefaultLateThreshold
}

func (s Schedule) earlyCheckout() time.Duration {
	if s.EarlyCheckoutTolerance > 0 {
		return s.EarlyCheckoutTolerance
	}
	return DefaultEarlyCheckoutTolerance
}

func (s Schedule) lateCheckout() time.Duration {
	if s.LateCheckoutTolerance > 0 {
		return s.LateCheckoutTolerance
	}
	return DefaultLateCheckoutTolerance
}

// Evaluate computes the status of s at now. A schedule missing either bound
// yields PhaseBeforeWindow with every capability false.
func Evaluate(s Schedule, now time.Time) Status {
	if !s.Valid() {
		return Status{Phase: PhaseBeforeWindow}
	}

	st := Status{
		PreWindowStart: s.Start.Add(-PreWindow),
		CheckInEnd:     s.Start.Add(s.lateThreshold()),
		CheckOutStart:  s.End.Add(-s.earlyCheckout()),
		CheckOutEnd:    s.End.Add(s.lateCheckout()),
	}

	st.CanTrackGPS = within(now, st.PreWindowStart, s.End)
	st.CanCheckIn = within(now, st.PreWindowStart, st.CheckInEnd)
	st.CanCheckOut = within(now, st.CheckOutStart, st.CheckOutEnd)

	switch {
	case now.Before(st.PreWindowStart):
		st.Phase = PhaseBeforeWindow
	case now.Before(s.Start):
		st.Phase = PhasePreWindow
	case now.After(s.End):
		st.Phase = PhaseAfter
	case !now.Before(st.CheckOutStart):
		st.Phase = PhaseNearEnd
	default:
		st.Phase = PhaseDuring
	}

	if now.Before(s.Start) {
		m := ceilMinutes(s.Start.Sub(now))
		st.MinutesUntilStart = &m
	}
	if !now.After(s.End) {
		m := ceilMinutes(s.End.Sub(now))
		st.MinutesUntilEnd = &m
	}

	return st
}

// CanTrackGPS reports whether live tracking is allowed at now.
func CanTrackGPS(s Schedule, now time.Time) bool {
	return Evaluate(s, now).CanTrackGPS
}

// CanCheckIn reports whether check-in is allowed at now.
func CanCheckIn(s Schedule, now time.Time) bool {
	return Evaluate(s, now).CanCheckIn
}

// CanCheckOut reports whether check-out is allowed at now.
func CanCheckOut(s Schedule, now time.Time) bool {
	return Evaluate(s, now).CanCheckOut
}

// ActiveSchedules returns the indexes of the schedules whose tracking window contains now.
func ActiveSchedules(schedules []Schedule, now time.Time) []int {
	var idx []int
	for i, s := range schedules {
		if CanTrackGPS(s, now) {
			idx = append(idx, i)
		}
	}
	return idx
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func ceilMinutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
}
