package alarm

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTimezone is applied by the HTTP surface when a repeating rule omits
// its timezone.
const DefaultTimezone = "Asia/Seoul"

type Kind string

const (
	KindNone   Kind = "none"
	KindOnce   Kind = "once"
	KindRepeat Kind = "repeat"
)

func (k *Kind) UnmarshalText(b []byte) error {
	*k = Kind(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

func (i *Interval) UnmarshalText(b []byte) error {
	*i = Interval(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

func (i Interval) valid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly:
		return true
	}
	return false
}

type Channel string

const (
	ChannelNone     Channel = "none"
	ChannelTelegram Channel = "telegram"
	ChannelEmail    Channel = "email"
)

func (c *Channel) UnmarshalText(b []byte) error {
	*c = Channel(strings.ToLower(strings.TrimSpace(string(b))))
	return nil
}

// TimeOfDay is a local wall-clock time. It marshals as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time_of_day %q must be HH:MM", ErrInvalidRule, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t TimeOfDay) valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// Rule describes how an alarm repeats and where it is delivered.
//
// Build rules with NoAlarm, OnceAt or Repeating. Rules decoded from the wire
// must pass Validate before use.
type Rule struct {
	Kind      Kind       `json:"kind"`
	OnceAt    *time.Time `json:"once_at,omitempty"`
	Interval  Interval   `json:"interval,omitempty"`
	TimeOfDay *TimeOfDay `json:"time_of_day,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
	Channel   Channel    `json:"channel"`
}

func NoAlarm() Rule { return Rule{Kind: KindNone, Channel: ChannelNone} }

// OnceAt builds a one-shot rule. tz is only used to localize the instant for
// display and may be empty.
func OnceAt(at time.Time, tz string, ch Channel) Rule {
	u := at.UTC()
	return Rule{Kind: KindOnce, OnceAt: &u, Timezone: tz, Channel: ch}
}

func Repeating(iv Interval, tod TimeOfDay, tz string, ch Channel) Rule {
	return Rule{Kind: KindRepeat, Interval: iv, TimeOfDay: &tod, Timezone: tz, Channel: ch}
}

// Validate reports whether r is one of the representable shapes.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindNone:
		if r.Channel != "" && r.Channel != ChannelNone {
			return fmt.Errorf("%w: kind none requires channel none", ErrInvalidRule)
		}
		if r.OnceAt != nil || r.Interval != "" || r.TimeOfDay != nil {
			return fmt.Errorf("%w: kind none carries no schedule", ErrInvalidRule)
		}
		return nil
	case KindOnce:
		if r.OnceAt == nil || r.OnceAt.IsZero() {
			return fmt.Errorf("%w: once requires once_at", ErrInvalidRule)
		}
		if r.Interval != "" || r.TimeOfDay != nil {
			return fmt.Errorf("%w: once does not take interval or time_of_day", ErrInvalidRule)
		}
		if r.Timezone != "" {
			if _, err := loadLocation(r.Timezone); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrInvalidRule, r.Timezone)
			}
		}
	case KindRepeat:
		if r.OnceAt != nil {
			return fmt.Errorf("%w: repeat does not take once_at", ErrInvalidRule)
		}
		if !r.Interval.valid() {
			return fmt.Errorf("%w: repeat requires interval daily, weekly or monthly", ErrInvalidRule)
		}
		if r.TimeOfDay == nil || !r.TimeOfDay.valid() {
			return fmt.Errorf("%w: repeat requires a valid time_of_day", ErrInvalidRule)
		}
		if strings.TrimSpace(r.Timezone) == "" {
			return fmt.Errorf("%w: repeat requires timezone", ErrInvalidRule)
		}
		if _, err := loadLocation(r.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidRule, r.Timezone)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}

	switch r.Channel {
	case ChannelTelegram, ChannelEmail:
		return nil
	default:
		return fmt.Errorf("%w: kind %s requires channel telegram or email", ErrInvalidRule, r.Kind)
	}
}

// Location returns the rule's timezone, falling back to UTC.
func (r Rule) Location() *time.Location {
	if loc, err := loadLocation(r.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

var locations sync.Map // string -> *time.Location

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locations.Store(name, loc)
	return loc, nil
}
