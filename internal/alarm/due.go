package alarm

import (
	"sort"
	"time"
)

// DueAt reports the occurrence r is waiting on at instant at.
//
// A scheduled record is due at NextFireAt. A claimed record whose lease has
// expired is due again at its claimed occurrence, so an instance that died
// mid-delivery does not silence the alarm.
func (r Record) DueAt(at time.Time) (time.Time, bool) {
	if !r.Enabled {
		return time.Time{}, false
	}
	if r.NextFireAt != nil {
		return *r.NextFireAt, true
	}
	if r.Claim != nil && !r.Claim.Until.After(at) {
		return r.Claim.Occurrence, true
	}
	return time.Time{}, false
}

// SelectDue returns the records due at at, earliest occurrence first.
// The input slice is not modified.
func SelectDue(records []Record, at time.Time) []Record {
	type due struct {
		rec Record
		at  time.Time
	}
	picked := make([]due, 0, len(records))
	for _, r := range records {
		t, ok := r.DueAt(at)
		if !ok || t.After(at) {
			continue
		}
		picked = append(picked, due{rec: r, at: t})
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if !picked[i].at.Equal(picked[j].at) {
			return picked[i].at.Before(picked[j].at)
		}
		return picked[i].rec.ID < picked[j].rec.ID
	})

	out := make([]Record, len(picked))
	for i := range picked {
		out[i] = picked[i].rec
	}
	return out
}
