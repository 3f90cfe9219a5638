package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Alarm lifecycle event types published by the dispatcher.
const (
	AlarmClaimed   = "alarm.claimed"
	AlarmConflict  = "alarm.conflict"
	AlarmDelivered = "alarm.delivered"
	AlarmFailed    = "alarm.failed"
	AlarmRetired   = "alarm.retired"
	AlarmDisabled  = "alarm.disabled"
	AlarmReleased  = "alarm.released"
	TickCompleted  = "dispatch.tick"

	DeliveryDeduped = "delivery.deduped"
)

// Task engine event types.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
)

// Scheduler event types.
const (
	ScheduleRan     = "schedule.ran"
	ScheduleSkipped = "schedule.skipped"
)

// Event is an in-memory signal used to decouple components.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel
	// mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
