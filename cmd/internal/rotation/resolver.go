package rotation

import "time"

// DefaultGrace is the minimum age an active item must reach before it can be
// rotated out, absorbing retries and clock skew right after a promotion.
const DefaultGrace = time.Hour

// Verdict is the resolver's decision for one club at one instant.
type Verdict uint8

const (
	// VerdictNoActive means the slot is vacant; the caller decides based on the queue.
	VerdictNoActive Verdict = iota + 1
	// VerdictNotDue means the active item keeps the slot.
	VerdictNotDue
	// VerdictDue means the active item's window has elapsed.
	VerdictDue
)

func (v Verdict) String() string {
	switch v {
	case VerdictNoActive:
		return "no_active"
	case VerdictNotDue:
		return "not_due"
	case VerdictDue:
		return "due"
	default:
		return "unknown"
	}
}

// NeedsRotation reports whether the active item must be replaced.
func (v Verdict) NeedsRotation() bool { return v == VerdictDue }

// Resolver decides whether an active item's window has elapsed.
//
// Windows are compared by calendar day in a fixed reference zone, not by
// instant: rotation is due only once today's date is strictly after the
// window end's date. WindowEnd values carry a time of day, and comparing
// instants would make rotation fire up to a day early or late relative to
// the day-granular schedule members see.
type Resolver struct {
	grace time.Duration
	loc   *time.Location
}

// NewResolver constructs a Resolver. A negative grace uses DefaultGrace and a
// nil loc uses UTC.
func NewResolver(grace time.Duration, loc *time.Location) Resolver {
	if grace < 0 {
		grace = DefaultGrace
	}
	if loc == nil {
		loc = time.UTC
	}
	return Resolver{grace: grace, loc: loc}
}

// Grace returns the configured grace period.
func (r Resolver) Grace() time.Duration { return r.grace }

// Location returns the reference timezone for calendar comparisons.
func (r Resolver) Location() *time.Location { return r.loc }

// Resolve returns the verdict for active at now. A nil or archived item is
// reported as VerdictNoActive.
func (r Resolver) Resolve(active *ActiveItem, now time.Time) Verdict {
	if active == nil || !active.IsActive() {
		return VerdictNoActive
	}

	loc := r.loc
	if loc == nil {
		loc = time.UTC
	}

	if !calendarDay(now, loc).After(calendarDay(active.WindowEnd, loc)) {
		return VerdictNotDue
	}
	if now.Sub(active.StartedAt) <= r.grace {
		return VerdictNotDue
	}
	return VerdictDue
}

// calendarDay truncates t to its Y/M/D in loc, expressed as UTC midnight so
// that two days compare without DST offsets leaking in.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
