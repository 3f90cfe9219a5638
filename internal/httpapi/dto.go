package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"memoalarm/internal/alarm"
)

const maxBodyBytes = 64 << 10

// localLayout is the wall-clock form accepted for once_at without an offset.
const localLayout = "2006-01-02T15:04"

// alarmRequest is the body of PUT /api/memos/{memoID}/alarm.
type alarmRequest struct {
	Kind      alarm.Kind     `json:"kind"`
	OnceAt    string         `json:"once_at,omitempty"`
	Interval  alarm.Interval `json:"interval,omitempty"`
	TimeOfDay string         `json:"time_of_day,omitempty"`
	Timezone  string         `json:"timezone,omitempty"`
	Channel   alarm.Channel  `json:"channel,omitempty"`
	Enabled   *bool          `json:"enabled,omitempty"`
}

// rule converts the request into a Rule. Validation of the shape is left to
// the alarm service; only parse errors are reported here.
func (r alarmRequest) rule() (alarm.Rule, error) {
	tz := strings.TrimSpace(r.Timezone)
	switch r.Kind {
	case alarm.KindNone, "":
		if r.Channel == "" {
			r.Channel = alarm.ChannelNone
		}
		return alarm.Rule{Kind: alarm.KindNone, Channel: r.Channel}, nil

	case alarm.KindOnce:
		if tz == "" {
			tz = alarm.DefaultTimezone
		}
		at, err := parseOnceAt(r.OnceAt, tz)
		if err != nil {
			return alarm.Rule{}, err
		}
		return alarm.OnceAt(at, tz, r.Channel), nil

	case alarm.KindRepeat:
		if tz == "" {
			tz = alarm.DefaultTimezone
		}
		rule := alarm.Rule{Kind: alarm.KindRepeat, Interval: r.Interval, Timezone: tz, Channel: r.Channel}
		if strings.TrimSpace(r.TimeOfDay) != "" {
			tod, err := alarm.ParseTimeOfDay(r.TimeOfDay)
			if err != nil {
				return alarm.Rule{}, err
			}
			rule.TimeOfDay = &tod
		}
		return rule, nil

	default:
		return alarm.Rule{}, fmt.Errorf("%w: unknown kind %q", alarm.ErrInvalidRule, r.Kind)
	}
}

// parseOnceAt accepts RFC 3339 or a local "YYYY-MM-DDTHH:MM" resolved in tz.
func parseOnceAt(v, tz string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: once_at is required", alarm.ErrInvalidRule)
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	wall, err := time.Parse(localLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: once_at %q must be RFC 3339 or %s", alarm.ErrInvalidRule, v, localLayout)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q", alarm.ErrInvalidRule, tz)
	}
	return alarm.ResolveLocal(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), loc).UTC(), nil
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type memoRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
	Email          string `json:"email,omitempty"`
}

// memoPatchRequest is the body of PATCH /api/memos/{memoID}. Absent fields are
// left unchanged.
type memoPatchRequest struct {
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	TelegramChatID *int64  `json:"telegram_chat_id,omitempty"`
	Email          *string `json:"email,omitempty"`
}

type memoListResponse struct {
	Items []alarm.Memo `json:"items"`
	Skip  int          `json:"skip"`
	Limit int          `json:"limit"`
}

type historyResponse struct {
	Items []alarm.HistoryEntry `json:"items"`
	Skip  int                  `json:"skip"`
	Limit int                  `json:"limit"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var errBadRequest = errors.New("bad request")

// decodeStrict decodes one JSON value, rejecting unknown fields and trailing
// data.
func decodeStrict(body io.Reader, v any) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(raw) > maxBodyBytes {
		return fmt.Errorf("%w: body too large", errBadRequest)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", errBadRequest)
	}
	return nil
}
