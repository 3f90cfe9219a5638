package alarm

import (
	"errors"
	"time"
)

type Outcome string

const (
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeRetired     Outcome = "retired"
	OutcomeDisabled    Outcome = "disabled"
)

// ScheduledFields computes the fields of a freshly set rule, as if the alarm
// were created at now.
func ScheduledFields(rule Rule, enabled bool, now time.Time) (Fields, error) {
	f := Fields{Rule: rule, Enabled: enabled}
	if !enabled {
		return f, nil
	}
	at, ok, err := FirstOccurrence(rule, now)
	if err != nil {
		return Fields{}, err
	}
	if ok {
		f.NextFireAt = timePtr(at)
		f.AnchorAt = timePtr(Anchor(rule, now, at))
	}
	return f, nil
}

// EnabledFields re-enables rec, recomputing its schedule from now.
func EnabledFields(rec Record, now time.Time) (Fields, error) {
	f, err := ScheduledFields(rec.Rule, true, now)
	if err != nil {
		return Fields{}, err
	}
	f.LastFiredAt = rec.LastFiredAt
	return f, nil
}

// DisabledFields freezes rec regardless of its current state. The rule and
// firing history are kept.
func DisabledFields(rec Record) Fields {
	f := rec.Fields()
	f.Enabled = false
	f.NextFireAt = nil
	f.Claim = nil
	return f
}

// ClaimFields marks rec as owned by owner for lease. It returns the fields and
// the occurrence being claimed.
func ClaimFields(rec Record, owner string, now time.Time, lease time.Duration) (Fields, time.Time) {
	occ, _ := rec.DueAt(now)
	f := rec.Fields()
	f.NextFireAt = nil
	f.Claim = &Claim{Owner: owner, Occurrence: occ.UTC(), Until: now.Add(lease).UTC()}
	return f, occ
}

// RenewFields extends owner's claim on rec to now+lease. ok is false when rec
// is no longer claimed by owner.
func RenewFields(rec Record, owner string, now time.Time, lease time.Duration) (f Fields, ok bool) {
	if rec.Claim == nil || rec.Claim.Owner != owner {
		return Fields{}, false
	}
	f = rec.Fields()
	claim := *rec.Claim
	claim.Until = now.Add(lease).UTC()
	f.Claim = &claim
	return f, true
}

// ReleaseFields gives a claimed occurrence back without dispatching it.
func ReleaseFields(rec Record, occ time.Time) Fields {
	f := rec.Fields()
	f.NextFireAt = timePtr(occ)
	f.Claim = nil
	return f
}

// AfterDispatch is the post-fire transition of a claimed record.
//
// It is the same for a delivered occurrence and for one that exhausted its
// retries: one-shots retire, repeating rules move to their next occurrence.
// A recurrence failure disables the alarm with the error recorded.
func AfterDispatch(rec Record, now time.Time, deliveryErr error) (Fields, Outcome) {
	f := rec.Fields()
	f.LastFiredAt = timePtr(now)
	f.Claim = nil
	f.LastError = ""
	if deliveryErr != nil {
		f.LastError = deliveryErr.Error()
	}

	if rec.Rule.Kind != KindRepeat {
		f.Enabled = false
		f.NextFireAt = nil
		return f, OutcomeRetired
	}

	anchor := time.Time{}
	switch {
	case rec.AnchorAt != nil:
		anchor = *rec.AnchorAt
	case rec.Claim != nil:
		anchor = rec.Claim.Occurrence
	}
	next, ok, err := NextOccurrence(rec.Rule, anchor, now)
	if err == nil && !ok {
		err = errors.Join(ErrRecurrence, errors.New("repeat rule produced no occurrence"))
	}
	if err != nil {
		f.Enabled = false
		f.NextFireAt = nil
		f.LastError = err.Error()
		return f, OutcomeDisabled
	}
	f.NextFireAt = timePtr(next)
	if f.AnchorAt == nil {
		if anchor.IsZero() {
			anchor = next
		}
		f.AnchorAt = timePtr(anchor)
	}
	return f, OutcomeRescheduled
}
