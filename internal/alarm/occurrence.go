package alarm

import (
	"fmt"
	"time"
)

// searchSteps bounds how many candidate days/weeks/months are tried before
// giving up with ErrRecurrence.
const searchSteps = 8

// NextOccurrence returns the first instant of rule strictly after after.
//
// anchor is Record.AnchorAt, see Anchor. Weekly rules keep its local weekday
// and monthly rules its local day of month; a zero anchor falls back to the
// local date of after. ok is false when nothing is
// scheduled: kind none, or a one-shot whose instant has passed.
//
// One-shot rules are inclusive: an OnceAt equal to after is still returned.
func NextOccurrence(rule Rule, anchor, after time.Time) (at time.Time, ok bool, err error) {
	return occurrence(rule, anchor, after, false)
}

// FirstOccurrence is NextOccurrence for a freshly set or re-enabled rule:
// from itself is an acceptable instant.
func FirstOccurrence(rule Rule, from time.Time) (time.Time, bool, error) {
	return occurrence(rule, time.Time{}, from, true)
}

// Anchor returns the instant later occurrences of rule are stepped from when
// the rule is set or re-enabled at from. For repeat rules it is the rule's
// time of day on the local date of from, which may precede the first
// occurrence: a monthly rule set on Jan 31 first fires Feb 28 but keeps day 31.
// Other kinds anchor on their first occurrence.
func Anchor(rule Rule, from, first time.Time) time.Time {
	if rule.Kind != KindRepeat || rule.TimeOfDay == nil {
		return first
	}
	loc, err := loadLocation(rule.Timezone)
	if err != nil {
		return first
	}
	y, m, d := from.In(loc).Date()
	return ResolveLocal(y, m, d, rule.TimeOfDay.Hour, rule.TimeOfDay.Minute, loc).UTC()
}

func occurrence(rule Rule, anchor, ref time.Time, inclusive bool) (time.Time, bool, error) {
	switch rule.Kind {
	case KindNone, "":
		return time.Time{}, false, nil
	case KindOnce:
		if rule.OnceAt == nil {
			return time.Time{}, false, fmt.Errorf("%w: once rule without once_at", ErrRecurrence)
		}
		at := rule.OnceAt.UTC()
		if at.Before(ref) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	case KindRepeat:
		at, err := nextRepeat(rule, anchor, ref, inclusive)
		if err != nil {
			return time.Time{}, false, err
		}
		return at, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: unknown kind %q", ErrRecurrence, rule.Kind)
	}
}

func nextRepeat(rule Rule, anchor, ref time.Time, inclusive bool) (time.Time, error) {
	if rule.TimeOfDay == nil || !rule.TimeOfDay.valid() {
		return time.Time{}, fmt.Errorf("%w: repeat rule without time_of_day", ErrRecurrence)
	}
	loc, err := loadLocation(rule.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrRecurrence, rule.Timezone, err)
	}
	tod := *rule.TimeOfDay

	accept := func(t time.Time) bool {
		if inclusive {
			return !t.Before(ref)
		}
		return t.After(ref)
	}

	local := ref.In(loc)
	base := local
	if !anchor.IsZero() {
		base = anchor.In(loc)
	}
	y, m, d := local.Date()

	switch rule.Interval {
	case IntervalDaily:
		for i := 0; i < searchSteps; i++ {
			if t := ResolveLocal(y, m, d+i, tod.Hour, tod.Minute, loc); accept(t) {
				return t.UTC(), nil
			}
		}
	case IntervalWeekly:
		shift := (int(base.Weekday()) - int(local.Weekday()) + 7) % 7
		for i := 0; i < searchSteps; i++ {
			if t := ResolveLocal(y, m, d+shift+7*i, tod.Hour, tod.Minute, loc); accept(t) {
				return t.UTC(), nil
			}
		}
	case IntervalMonthly:
		day := base.Day()
		for i := 0; i < searchSteps; i++ {
			first := time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
			ty, tm := first.Year(), first.Month()
			td := min(day, daysIn(ty, tm))
			if t := ResolveLocal(ty, tm, td, tod.Hour, tod.Minute, loc); accept(t) {
				return t.UTC(), nil
			}
		}
	default:
		return time.Time{}, fmt.Errorf("%w: unknown interval %q", ErrRecurrence, rule.Interval)
	}
	return time.Time{}, fmt.Errorf("%w: no %s occurrence within %d steps of %s", ErrRecurrence, rule.Interval, searchSteps, ref.UTC().Format(time.RFC3339))
}

// ResolveLocal converts a local wall-clock time to an instant in loc.
//
// Wall times skipped by a forward DST shift resolve to the first valid
// instant after the gap. Wall times that occur twice resolve to the earlier
// instant. Day overflow is normalized like time.Date.
func ResolveLocal(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	wall := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	wy, wm, wd := wall.Date()
	wh, wmin := wall.Hour(), wall.Minute()

	// Offsets in effect around the wall time cover both sides of any
	// transition near it.
	var best time.Time
	for _, t := range []time.Time{wall.Add(-36 * time.Hour), wall, wall.Add(36 * time.Hour)} {
		_, off := t.In(loc).Zone()
		cand := wall.Add(-time.Duration(off) * time.Second)
		lc := cand.In(loc)
		cy, cm, cd := lc.Date()
		if cy == wy && cm == wm && cd == wd && lc.Hour() == wh && lc.Minute() == wmin {
			if best.IsZero() || cand.Before(best) {
				best = cand
			}
		}
	}
	if !best.IsZero() {
		return best
	}

	// Gap: interpret with the pre-transition offset, which lands after the
	// transition, then step back to where the new offset begins.
	_, off := wall.Add(-36 * time.Hour).In(loc).Zone()
	cand := wall.Add(-time.Duration(off) * time.Second)
	if start, _ := cand.In(loc).ZoneBounds(); !start.IsZero() && !start.After(cand) {
		return start.UTC()
	}
	return cand
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
