package alarm

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tz database missing %s: %v", name, err)
	}
	return loc
}

func TestNextOccurrenceOnce(t *testing.T) {
	t.Parallel()

	rule := OnceAt(mustTime(t, "2025-03-10T09:00:00+09:00"), "Asia/Seoul", ChannelTelegram)

	got, ok, err := NextOccurrence(rule, time.Time{}, mustTime(t, "2025-03-10T00:00:00Z"))
	if err != nil || !ok {
		t.Fatalf("NextOccurrence = (%v, %v, %v), want instant", got, ok, err)
	}
	if want := mustTime(t, "2025-03-10T00:00:00Z"); !got.Equal(want) {
		t.Fatalf("NextOccurrence = %v, want %v", got, want)
	}

	_, ok, err = NextOccurrence(rule, time.Time{}, mustTime(t, "2025-03-10T00:00:01Z"))
	if err != nil || ok {
		t.Fatalf("NextOccurrence after onceAt = (%v, %v), want absent", ok, err)
	}
}

func TestNextOccurrenceNone(t *testing.T) {
	t.Parallel()

	_, ok, err := NextOccurrence(NoAlarm(), time.Time{}, time.Now())
	if err != nil || ok {
		t.Fatalf("NextOccurrence(none) = (%v, %v), want absent", ok, err)
	}
}

func TestWeeklySeoul(t *testing.T) {
	t.Parallel()
	mustLoc(t, "Asia/Seoul")

	rule := Repeating(IntervalWeekly, TimeOfDay{Hour: 9}, "Asia/Seoul", ChannelEmail)
	from := mustTime(t, "2025-01-01T00:00:00Z")

	first, ok, err := FirstOccurrence(rule, from)
	if err != nil || !ok {
		t.Fatalf("FirstOccurrence = (%v, %v, %v)", first, ok, err)
	}
	if !first.Equal(from) {
		t.Fatalf("FirstOccurrence = %v, want %v", first, from)
	}

	next, ok, err := NextOccurrence(rule, first, first)
	if err != nil || !ok {
		t.Fatalf("NextOccurrence = (%v, %v, %v)", next, ok, err)
	}
	if want := first.Add(7 * 24 * time.Hour); !next.Equal(want) {
		t.Fatalf("NextOccurrence = %v, want %v", next, want)
	}
}

func TestWeeklyKeepsAnchorWeekday(t *testing.T) {
	t.Parallel()

	rule := Repeating(IntervalWeekly, TimeOfDay{Hour: 8, Minute: 15}, "UTC", ChannelEmail)
	anchor := mustTime(t, "2025-01-06T08:15:00Z") // Monday

	// evaluated late, on a Thursday
	got, _, err := NextOccurrence(rule, anchor, mustTime(t, "2025-01-16T12:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTime(t, "2025-01-20T08:15:00Z"); !got.Equal(want) {
		t.Fatalf("NextOccurrence = %v, want %v", got, want)
	}
}

func TestDaily(t *testing.T) {
	t.Parallel()

	rule := Repeating(IntervalDaily, TimeOfDay{Hour: 7, Minute: 30}, "UTC", ChannelTelegram)
	tests := []struct {
		after string
		want  string
	}{
		{"2025-05-01T07:29:00Z", "2025-05-01T07:30:00Z"},
		{"2025-05-01T07:30:00Z", "2025-05-02T07:30:00Z"},
		{"2025-05-31T23:59:00Z", "2025-06-01T07:30:00Z"},
		{"2025-12-31T08:00:00Z", "2026-01-01T07:30:00Z"},
	}
	for _, tc := range tests {
		t.Run(tc.after, func(t *testing.T) {
			got, ok, err := NextOccurrence(rule, time.Time{}, mustTime(t, tc.after))
			if err != nil || !ok {
				t.Fatalf("NextOccurrence = (%v, %v, %v)", got, ok, err)
			}
			if want := mustTime(t, tc.want); !got.Equal(want) {
				t.Fatalf("NextOccurrence(%s) = %v, want %v", tc.after, got, want)
			}
		})
	}
}

func TestMonthlyClampAndRevert(t *testing.T) {
	t.Parallel()

	rule := Repeating(IntervalMonthly, TimeOfDay{Hour: 9}, "UTC", ChannelEmail)
	anchor := mustTime(t, "2025-01-31T09:00:00Z")

	want := []string{
		"2025-02-28T09:00:00Z",
		"2025-03-31T09:00:00Z",
		"2025-04-30T09:00:00Z",
		"2025-05-31T09:00:00Z",
	}
	cur := anchor
	for _, w := range want {
		got, ok, err := NextOccurrence(rule, anchor, cur)
		if err != nil || !ok {
			t.Fatalf("NextOccurrence(%v) = (%v, %v, %v)", cur, got, ok, err)
		}
		if !got.Equal(mustTime(t, w)) {
			t.Fatalf("NextOccurrence(%v) = %v, want %s", cur, got, w)
		}
		cur = got
	}
}

func TestMonthlyLeapYear(t *testing.T) {
	t.Parallel()

	rule := Repeating(IntervalMonthly, TimeOfDay{Hour: 9}, "UTC", ChannelEmail)
	anchor := mustTime(t, "2024-01-30T09:00:00Z")

	got, _, err := NextOccurrence(rule, anchor, anchor)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTime(t, "2024-02-29T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("NextOccurrence = %v, want %v", got, want)
	}
}

func TestRepeatAlwaysAdvances(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		Repeating(IntervalDaily, TimeOfDay{Hour: 2, Minute: 30}, "America/New_York", ChannelEmail),
		Repeating(IntervalDaily, TimeOfDay{Hour: 1, Minute: 30}, "America/New_York", ChannelEmail),
		Repeating(IntervalWeekly, TimeOfDay{Hour: 0, Minute: 0}, "Asia/Seoul", ChannelEmail),
		Repeating(IntervalMonthly, TimeOfDay{Hour: 23, Minute: 59}, "Australia/Lord_Howe", ChannelEmail),
	}
	start := mustTime(t, "2025-01-01T00:00:00Z")
	for _, rule := range rules {
		mustLoc(t, rule.Timezone)
		anchor, _, err := FirstOccurrence(rule, start)
		if err != nil {
			t.Fatalf("FirstOccurrence(%s %s): %v", rule.Interval, rule.Timezone, err)
		}
		cur := anchor
		for i := 0; i < 400; i++ {
			next, ok, err := NextOccurrence(rule, anchor, cur)
			if err != nil || !ok {
				t.Fatalf("NextOccurrence(%v) = (%v, %v, %v)", cur, next, ok, err)
			}
			if !next.After(cur) {
				t.Fatalf("%s %s: NextOccurrence(%v) = %v, not after", rule.Interval, rule.Timezone, cur, next)
			}
			cur = next
		}
	}
}

func TestSpringForwardGap(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")

	// 2025-03-09 02:00 EST jumps to 03:00 EDT.
	rule := Repeating(IntervalDaily, TimeOfDay{Hour: 2, Minute: 30}, "America/New_York", ChannelEmail)
	got, _, err := NextOccurrence(rule, time.Time{}, mustTime(t, "2025-03-08T08:00:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTime(t, "2025-03-09T07:00:00Z"); !got.Equal(want) {
		t.Fatalf("NextOccurrence = %v (%v), want %v", got, got.In(ny), want)
	}
	if l := got.In(ny); l.Hour() != 3 || l.Minute() != 0 {
		t.Fatalf("local = %v, want 03:00", l)
	}

	// the day after is back to 02:30 EDT
	next, _, err := NextOccurrence(rule, time.Time{}, got)
	if err != nil {
		t.Fatal(err)
	}
	if want := mustTime(t, "2025-03-10T06:30:00Z"); !next.Equal(want) {
		t.Fatalf("NextOccurrence = %v, want %v", next, want)
	}
}

func TestFallBackOverlapPicksEarlier(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")

	// 2025-11-02 01:30 happens at 05:30Z (EDT) and 06:30Z (EST).
	want := mustTime(t, "2025-11-02T05:30:00Z")
	for i := 0; i < 3; i++ {
		got := ResolveLocal(2025, time.November, 2, 1, 30, ny)
		if !got.Equal(want) {
			t.Fatalf("ResolveLocal = %v, want %v", got, want)
		}
	}

	rule := OnceAt(ResolveLocal(2025, time.November, 2, 1, 30, ny), "America/New_York", ChannelTelegram)
	got, ok, err := NextOccurrence(rule, time.Time{}, mustTime(t, "2025-11-01T00:00:00Z"))
	if err != nil || !ok || !got.Equal(want) {
		t.Fatalf("NextOccurrence = (%v, %v, %v), want %v", got, ok, err, want)
	}

	daily := Repeating(IntervalDaily, TimeOfDay{Hour: 1, Minute: 30}, "America/New_York", ChannelEmail)
	first, _, err := NextOccurrence(daily, time.Time{}, mustTime(t, "2025-11-02T00:00:00Z"))
	if err != nil || !first.Equal(want) {
		t.Fatalf("daily NextOccurrence = (%v, %v), want %v", first, err, want)
	}
	second, _, err := NextOccurrence(daily, time.Time{}, first)
	if err != nil {
		t.Fatal(err)
	}
	if w := mustTime(t, "2025-11-03T06:30:00Z"); !second.Equal(w) {
		t.Fatalf("daily second = %v, want %v (the repeated hour fires once)", second, w)
	}
}

func TestRecurrenceErrors(t *testing.T) {
	t.Parallel()

	tod := TimeOfDay{Hour: 9}
	tests := []struct {
		name string
		rule Rule
	}{
		{"unknown timezone", Rule{Kind: KindRepeat, Interval: IntervalDaily, TimeOfDay: &tod, Timezone: "Mars/Olympus", Channel: ChannelEmail}},
		{"unknown interval", Rule{Kind: KindRepeat, Interval: "hourly", TimeOfDay: &tod, Timezone: "UTC", Channel: ChannelEmail}},
		{"missing time of day", Rule{Kind: KindRepeat, Interval: IntervalDaily, Timezone: "UTC", Channel: ChannelEmail}},
		{"once without instant", Rule{Kind: KindOnce, Channel: ChannelEmail}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := NextOccurrence(tc.rule, time.Time{}, time.Now())
			if !errors.Is(err, ErrRecurrence) {
				t.Fatalf("err = %v, want ErrRecurrence", err)
			}
		})
	}
}

func TestRuleValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tod := TimeOfDay{Hour: 9}
	bad := TimeOfDay{Hour: 24}
	tests := []struct {
		name string
		rule Rule
		ok   bool
	}{
		{"none", NoAlarm(), true},
		{"none with empty channel", Rule{Kind: KindNone}, true},
		{"none with channel", Rule{Kind: KindNone, Channel: ChannelEmail}, false},
		{"once", OnceAt(now, "", ChannelTelegram), true},
		{"once without channel", OnceAt(now, "", ChannelNone), false},
		{"once bad timezone", OnceAt(now, "Nowhere/City", ChannelTelegram), false},
		{"once with interval", Rule{Kind: KindOnce, OnceAt: &now, Interval: IntervalDaily, Channel: ChannelEmail}, false},
		{"repeat", Repeating(IntervalMonthly, tod, "UTC", ChannelEmail), true},
		{"repeat missing tz", Repeating(IntervalMonthly, tod, "", ChannelEmail), false},
		{"repeat unknown tz", Repeating(IntervalMonthly, tod, "Nowhere/City", ChannelEmail), false},
		{"repeat bad time", Repeating(IntervalDaily, bad, "UTC", ChannelEmail), false},
		{"repeat missing time", Rule{Kind: KindRepeat, Interval: IntervalDaily, Timezone: "UTC", Channel: ChannelEmail}, false},
		{"repeat bad interval", Repeating("yearly", tod, "UTC", ChannelEmail), false},
		{"unknown kind", Rule{Kind: "sometimes", Channel: ChannelEmail}, false},
		{"unknown channel", Repeating(IntervalDaily, tod, "UTC", "pigeon"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("Validate() = %v, want ErrInvalidRule", err)
			}
		})
	}
}
