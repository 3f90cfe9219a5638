package alarm

import "time"

// Record is the schedule state of one memo alarm.
//
// While a dispatcher holds a claim, NextFireAt is absent and Claim carries the
// occurrence being delivered.
type Record struct {
	ID          string     `json:"id"`
	MemoID      string     `json:"memo_id"`
	Rule        Rule       `json:"rule"`
	Enabled     bool       `json:"enabled"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	Version     int64      `json:"version"`

	// AnchorAt is the rule's time of day on the local date the rule was set
	// or re-enabled. Weekly rules keep its weekday, monthly rules its day,
	// even when the first occurrence was clamped to a shorter month.
	AnchorAt  *time.Time `json:"anchor_at,omitempty"`
	Claim     *Claim     `json:"claim,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claim marks a record as owned by one dispatcher until Until.
type Claim struct {
	Owner      string    `json:"owner"`
	Occurrence time.Time `json:"occurrence"`
	Until      time.Time `json:"until"`
}

// Fields is the mutable part of a Record, written wholesale by
// Store.ConditionalUpdate.
type Fields struct {
	Rule        Rule
	Enabled     bool
	NextFireAt  *time.Time
	LastFiredAt *time.Time
	AnchorAt    *time.Time
	Claim       *Claim
	LastError   string
}

func (r Record) Fields() Fields {
	return Fields{
		Rule:        r.Rule,
		Enabled:     r.Enabled,
		NextFireAt:  r.NextFireAt,
		LastFiredAt: r.LastFiredAt,
		AnchorAt:    r.AnchorAt,
		Claim:       r.Claim,
		LastError:   r.LastError,
	}
}

// Apply returns r with f written over its mutable fields.
func (r Record) Apply(f Fields) Record {
	r.Rule = f.Rule
	r.Enabled = f.Enabled
	r.NextFireAt = f.NextFireAt
	r.LastFiredAt = f.LastFiredAt
	r.AnchorAt = f.AnchorAt
	r.Claim = f.Claim
	r.LastError = f.LastError
	return r
}

// Recipient holds where a memo owner can be reached.
type Recipient struct {
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
	Email          string `json:"email,omitempty"`
}

type Memo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Recipient   Recipient `json:"recipient"`
	CreatedAt   time.Time `json:"created_at"`
}

// MemoPatch lists the memo fields an update changes. Nil leaves a field as is.
type MemoPatch struct {
	Title          *string
	Description    *string
	TelegramChatID *int64
	Email          *string
}

type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
	StatusPending DeliveryStatus = "pending"
)

// HistoryEntry records the outcome of one dispatched occurrence.
type HistoryEntry struct {
	ID          string         `json:"id"`
	AlarmID     string         `json:"alarm_id"`
	MemoID      string         `json:"memo_id"`
	Occurrence  time.Time      `json:"occurrence"`
	TriggeredAt time.Time      `json:"triggered_at"`
	Channel     Channel        `json:"channel"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

func timePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
