package display

import (
	"time"

	"github.com/curbsense/displayd/pkg/models"
)

// State is a resolved display output.
type State struct {
	Color string
	Blink bool
	// Rank is the priority rule that produced the state, 1 being highest.
	Rank int
}

// inputs gathers everything the priority table consumes for one space.
type inputs struct {
	Occupancy   models.Occupancy
	Reservation models.ReservationStatus
	Admin       models.AdminState

	// LastStableColor is the color last shown for a definite sensor state,
	// held during short unknown gaps.
	LastStableColor string
	UnknownSince    time.Time
}

// resolve evaluates the fixed priority table top-down; first match wins.
// Lower-priority signals are ignored entirely once a rule matches.
func resolve(policy *models.DisplayPolicy, in inputs, now time.Time, unknownHold time.Duration) State {
	if in.Admin == models.AdminOutOfService {
		return State{Color: policy.OutOfServiceColor, Rank: 1}
	}
	if in.Admin == models.AdminBlocked {
		return State{Color: policy.BlockedColor, Rank: 2}
	}
	if in.Reservation.State == models.ReservedNow {
		return State{Color: policy.ReservedColor, Rank: 3}
	}
	if in.Reservation.State == models.ReservedSoon && in.Reservation.StartsIn <= policy.ReservedSoonThreshold {
		return State{Color: policy.ReservedColor, Blink: policy.BlinkOnReservedSoon, Rank: 4}
	}

	switch in.Occupancy {
	case models.OccupancyOccupied:
		return State{Color: policy.OccupiedColor, Rank: 5}
	case models.OccupancyVacant:
		return State{Color: policy.FreeColor, Rank: 5}
	default:
		// Hold the last stable color through short sensor dropouts, then
		// fall back to free.
		if in.LastStableColor != "" && !in.UnknownSince.IsZero() && now.Sub(in.UnknownSince) <= unknownHold {
			return State{Color: in.LastStableColor, Rank: 5}
		}
		return State{Color: policy.FreeColor, Rank: 5}
	}
}

// debouncer suppresses sensor flicker: a flip is accepted only after
// debounce_count consecutive identical raw readings, each within
// debounce_window of the previous one. Readings outside the window reset
// the run.
type debouncer struct {
	accepted models.Occupancy

	pending      models.Occupancy
	pendingCount int
	pendingLast  time.Time
}

// Observe feeds one raw reading and returns the accepted occupancy plus
// whether it changed.
func (d *debouncer) Observe(raw models.Occupancy, at time.Time, count int, window time.Duration) (models.Occupancy, bool) {
	if d.accepted == "" {
		// First reading ever: nothing stable to protect, accept it.
		d.accepted = raw
		return d.accepted, true
	}
	if raw == d.accepted {
		d.pendingCount = 0
		d.pending = ""
		return d.accepted, false
	}

	if d.pending != raw || d.pendingCount == 0 || at.Sub(d.pendingLast) > window {
		d.pending = raw
		d.pendingCount = 1
		d.pendingLast = at
	} else {
		d.pendingCount++
		d.pendingLast = at
	}

	if d.pendingCount >= count {
		d.accepted = raw
		d.pending = ""
		d.pendingCount = 0
		return d.accepted, true
	}
	return d.accepted, false
}
