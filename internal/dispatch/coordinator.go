// Package dispatch claims due alarms, hands them to the delivery pool and
// commits the post-fire transition.
//
// Instances sharing a store coordinate only through the record version: a
// claim is a conditional update, so exactly one instance wins each
// occurrence.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"memoalarm/internal/alarm"
	"memoalarm/internal/channel"
	"memoalarm/internal/eventbus"
	"memoalarm/internal/task/engine"
	logx "memoalarm/pkg/logx"
)

type Config struct {
	// Owner names this instance in claims. Empty means hostname plus a
	// random suffix.
	Owner     string
	BatchSize int
	// ClaimLease is how long a claim stays exclusive. Every delivery attempt
	// renews it; once it lapses another instance may take the occurrence.
	ClaimLease time.Duration

	DeliveryTimeout time.Duration
	// RetryMax is the number of retries after the first attempt. 0 means the
	// default, a negative value disables retries.
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	CommitTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = time.Duration(max(c.RetryMax, 0)+1)*c.DeliveryTimeout + time.Minute
	}
	// A renewed lease has to cover one attempt, the backoff before the next
	// one and the commit.
	if floor := c.DeliveryTimeout + c.RetryMaxDelay + c.CommitTimeout; c.ClaimLease < floor {
		c.ClaimLease = floor
	}
	return c
}

// Submitter runs delivery tasks; *engine.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Stores groups the persistence the coordinator touches.
type Stores struct {
	Alarms  alarm.Store
	Memos   alarm.MemoStore
	History alarm.HistoryStore
}

// TickReport summarizes one tick.
type TickReport struct {
	At        time.Time     `json:"at"`
	Listed    int           `json:"listed"`
	Due       int           `json:"due"`
	Claimed   int           `json:"claimed"`
	Conflicts int           `json:"conflicts"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Released  int           `json:"released"`
	Errors    int           `json:"errors"`
	Took      time.Duration `json:"took"`
}

// AlarmEvent is the payload of alarm.* bus events.
type AlarmEvent struct {
	AlarmID    string    `json:"alarm_id"`
	MemoID     string    `json:"memo_id"`
	Occurrence time.Time `json:"occurrence"`
	Owner      string    `json:"owner,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Coordinator struct {
	mu  sync.RWMutex
	cfg Config

	stores  Stores
	pool    Submitter
	deliver channel.Adapter
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
}

func New(cfg Config, stores Stores, pool Submitter, deliver channel.Adapter, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	return &Coordinator{cfg: cfg.withDefaults(), stores: stores, pool: pool, deliver: deliver, clock: clk, log: log, bus: bus}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "memoalarm"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Apply swaps retry, timeout and batch settings. The owner is kept.
func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.Owner = c.cfg.Owner
	c.cfg = cfg.withDefaults()
}

func (c *Coordinator) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Coordinator) Owner() string { return c.config().Owner }

// Tick claims every due alarm, delivers them on the pool and waits for their
// commits. Only listing errors fail the tick; per-alarm problems are counted
// in the report.
func (c *Coordinator) Tick(ctx context.Context) (TickReport, error) {
	cfg := c.config()
	start := c.clock.Now().UTC()
	rep := TickReport{At: start}

	recs, err := c.stores.Alarms.ListEnabledBefore(ctx, start, cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list due alarms: %w", err)
	}
	due := alarm.SelectDue(recs, start)
	rep.Listed = len(recs)
	rep.Due = len(due)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	count := func(fn func(r *TickReport)) {
		mu.Lock()
		fn(&rep)
		mu.Unlock()
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, occ, err := c.claim(ctx, rec, cfg, c.clock.Now().UTC())
		switch {
		case errors.Is(err, alarm.ErrClaimConflict):
			count(func(r *TickReport) { r.Conflicts++ })
			continue
		case errors.Is(err, alarm.ErrNotFound):
			continue
		case err != nil:
			count(func(r *TickReport) { r.Errors++ })
			c.log.Warn("alarm.claim_failed", logx.String("alarm", rec.ID), logx.Err(err))
			continue
		}
		count(func(r *TickReport) { r.Claimed++ })

		wg.Add(1)
		task := c.deliveryTask(claimed, occ, cfg, func(res deliveryResult) {
			defer wg.Done()
			count(res.tally)
		})
		if err := c.pool.Submit(ctx, task); err != nil {
			c.log.Warn("alarm.submit_failed", logx.String("alarm", claimed.ID), logx.Err(err))
			c.release(claimed, occ, cfg)
			count(func(r *TickReport) { r.Released++ })
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// In-flight deliveries still commit on their own.
		mu.Lock()
		rep.Took = c.clock.Since(start)
		out := rep
		mu.Unlock()
		return out, ctx.Err()
	}

	rep.Took = c.clock.Since(start)
	c.publish(eventbus.TickCompleted, rep)
	if rep.Claimed > 0 || rep.Conflicts > 0 || rep.Errors > 0 {
		c.log.Info("dispatch.tick",
			logx.Int("due", rep.Due), logx.Int("claimed", rep.Claimed), logx.Int("conflicts", rep.Conflicts),
			logx.Int("delivered", rep.Delivered), logx.Int("failed", rep.Failed), logx.Int("pending", rep.Pending),
			logx.Int("released", rep.Released), logx.Duration("took", rep.Took))
	} else {
		c.log.Trace("dispatch.tick", logx.Int("listed", rep.Listed))
	}
	return rep, nil
}

// claim takes ownership of rec's due occurrence with a conditional update.
func (c *Coordinator) claim(ctx context.Context, rec alarm.Record, cfg Config, now time.Time) (alarm.Record, time.Time, error) {
	f, occ := alarm.ClaimFields(rec, cfg.Owner, now, cfg.ClaimLease)
	claimed, err := c.stores.Alarms.ConditionalUpdate(ctx, rec.ID, rec.Version, f)
	if err != nil {
		if errors.Is(err, alarm.ErrClaimConflict) {
			c.log.Debug("alarm.conflict", logx.String("alarm", rec.ID), logx.Int64("version", rec.Version))
			c.publish(eventbus.AlarmConflict, AlarmEvent{AlarmID: rec.ID, MemoID: rec.MemoID, Occurrence: occ, Owner: cfg.Owner})
		}
		return alarm.Record{}, time.Time{}, err
	}
	if rec.Claim != nil {
		c.log.Info("alarm.reclaimed", logx.String("alarm", rec.ID), logx.String("previous_owner", rec.Claim.Owner), logx.Time("occurrence", occ))
	}
	c.log.Debug("alarm.claimed", logx.String("alarm", rec.ID), logx.Time("occurrence", occ))
	c.publish(eventbus.AlarmClaimed, AlarmEvent{AlarmID: rec.ID, MemoID: rec.MemoID, Occurrence: occ, Owner: cfg.Owner})
	return claimed, occ, nil
}

// release hands an undelivered occurrence back so a later tick retries it.
func (c *Coordinator) release(rec alarm.Record, occ time.Time, cfg Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommitTimeout)
	defer cancel()
	if _, err := c.stores.Alarms.ConditionalUpdate(ctx, rec.ID, rec.Version, alarm.ReleaseFields(rec, occ)); err != nil {
		c.log.Warn("alarm.release_failed", logx.String("alarm", rec.ID), logx.Err(err))
		return
	}
	c.publish(eventbus.AlarmReleased, AlarmEvent{AlarmID: rec.ID, MemoID: rec.MemoID, Occurrence: occ})
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Time: c.clock.Now(), Data: data})
	}
}
