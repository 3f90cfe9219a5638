package channel

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"memoalarm/internal/alarm"
	"memoalarm/internal/eventbus"
	logx "memoalarm/pkg/logx"
)

type RouterConfig struct {
	// DedupWindow suppresses a second successful delivery of the same alarm
	// occurrence. 0 disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// DeliveryEvent is published when the router suppresses a delivery.
type DeliveryEvent struct {
	AlarmID    string        `json:"alarm_id"`
	Channel    alarm.Channel `json:"channel"`
	Occurrence time.Time     `json:"occurrence"`
}

// Router dispatches notifications to the adapter registered for their
// channel. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	adapters map[alarm.Channel]Adapter
	cfg      RouterConfig

	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock

	dmu  sync.Mutex
	sent map[string]time.Time // key -> suppress until
}

func NewRouter(cfg RouterConfig, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		adapters: map[alarm.Channel]Adapter{},
		cfg:      cfg,
		log:      log,
		bus:      bus,
		clock:    clk,
		sent:     map[string]time.Time{},
	}
}

// Register sets the adapter for ch. A nil adapter unregisters it.
func (r *Router) Register(ch alarm.Channel, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a == nil {
		delete(r.adapters, ch)
		return
	}
	r.adapters[ch] = a
}

func (r *Router) Apply(cfg RouterConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) Deliver(ctx context.Context, n Notification) error {
	r.mu.RLock()
	a := r.adapters[n.Channel]
	cfg := r.cfg
	r.mu.RUnlock()

	if a == nil {
		return fmt.Errorf("%w: %s", ErrUnsupported, n.Channel)
	}

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && r.recentlySent(key) {
		r.log.Debug("delivery.deduped", logx.String("alarm", n.AlarmID), logx.Time("occurrence", n.FiredAt))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.DeliveryDeduped, Time: r.clock.Now(), Data: DeliveryEvent{AlarmID: n.AlarmID, Channel: n.Channel, Occurrence: n.FiredAt}})
		}
		return nil
	}

	if err := a.Deliver(ctx, n); err != nil {
		return err
	}
	if cfg.DedupWindow > 0 {
		r.markSent(key, cfg.DedupWindow, cfg.DedupMaxEntries)
	}
	return nil
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.AlarmID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(n.Channel))
	_, _ = h.Write([]byte(fmt.Sprintf("|%d", n.FiredAt.UnixMilli())))
	return fmt.Sprintf("%x", h.Sum64())
}

func (r *Router) recentlySent(key string) bool {
	now := r.clock.Now()
	r.dmu.Lock()
	defer r.dmu.Unlock()
	until, ok := r.sent[key]
	return ok && now.Before(until)
}

func (r *Router) markSent(key string, window time.Duration, maxEntries int) {
	now := r.clock.Now()
	r.dmu.Lock()
	defer r.dmu.Unlock()
	r.sent[key] = now.Add(window)

	for k, until := range r.sent {
		if !now.Before(until) {
			delete(r.sent, k)
		}
	}
	// Evict earliest expiry first until within cap.
	for maxEntries > 0 && len(r.sent) > maxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range r.sent {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(r.sent, minKey)
	}
}
