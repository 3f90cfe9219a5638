// Package channel delivers fired alarms to their recipients.
//
// Each transport (Telegram, email) implements Adapter and renders its own
// message. Router picks the adapter for a notification's channel and
// suppresses repeat deliveries of the same occurrence.
package channel

import (
	"context"
	"errors"
	"time"

	"memoalarm/internal/alarm"
)

var (
	// ErrNoRecipient means the memo owner has no address for the channel.
	// Retrying cannot help.
	ErrNoRecipient = errors.New("no recipient for channel")
	ErrUnsupported = errors.New("channel not configured")
)

// Notification is one fired occurrence ready for delivery.
type Notification struct {
	MemoID      string
	AlarmID     string
	Channel     alarm.Channel
	Title       string
	Description string
	FiredAt     time.Time
	Timezone    string
	Recipient   alarm.Recipient
}

type Adapter interface {
	Deliver(ctx context.Context, n Notification) error
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, n Notification) error

func (f AdapterFunc) Deliver(ctx context.Context, n Notification) error { return f(ctx, n) }
