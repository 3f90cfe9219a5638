package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"memoalarm/internal/alarm"
	"memoalarm/internal/channel"
	"memoalarm/internal/eventbus"
	"memoalarm/internal/task/engine"
	logx "memoalarm/pkg/logx"
)

// ErrClaimLost means the claim changed hands before an attempt: an edit
// replaced the record or another instance took over an expired lease.
var ErrClaimLost = errors.New("alarm claim lost")

type deliveryResult struct {
	status   alarm.DeliveryStatus
	released bool
	lost     bool
	failed   bool // commit or history write failed
}

func (d deliveryResult) tally(r *TickReport) {
	switch {
	case d.released:
		r.Released++
		return
	case d.lost:
		r.Conflicts++
		return
	case d.status == alarm.StatusSent:
		r.Delivered++
	case d.status == alarm.StatusPending:
		r.Pending++
	default:
		r.Failed++
	}
	if d.failed {
		r.Errors++
	}
}

// heldClaim is the claimed record as this instance last wrote it.
type heldClaim struct {
	mu  sync.Mutex
	rec alarm.Record
}

func (h *heldClaim) get() alarm.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

func (h *heldClaim) set(rec alarm.Record) {
	h.mu.Lock()
	h.rec = rec
	h.mu.Unlock()
}

func (c *Coordinator) deliveryTask(rec alarm.Record, occ time.Time, cfg Config, onDone func(deliveryResult)) engine.Task {
	held := &heldClaim{rec: rec}
	return engine.Task{
		ID:      rec.ID + "@" + occ.UTC().Format(time.RFC3339),
		Name:    "alarm.deliver",
		Timeout: cfg.DeliveryTimeout,
		Opt: engine.TaskOptions{
			RetryMax:      cfg.RetryMax,
			RetryBase:     cfg.RetryBase,
			RetryMaxDelay: cfg.RetryMaxDelay,
		},
		Run: func(ctx context.Context) error {
			cur, err := c.renew(ctx, held.get(), cfg)
			if err != nil {
				return err
			}
			held.set(cur)
			return c.deliverOnce(ctx, cur, occ)
		},
		Done: func(res engine.Result) {
			onDone(c.commit(held.get(), occ, cfg, res))
		},
	}
}

// renew extends the claim before an attempt so a queued or retried delivery
// never runs on a lapsed lease.
func (c *Coordinator) renew(ctx context.Context, rec alarm.Record, cfg Config) (alarm.Record, error) {
	f, ok := alarm.RenewFields(rec, cfg.Owner, c.clock.Now(), cfg.ClaimLease)
	if !ok {
		return rec, engine.NoRetry(ErrClaimLost)
	}
	cur, err := c.stores.Alarms.ConditionalUpdate(ctx, rec.ID, rec.Version, f)
	switch {
	case errors.Is(err, alarm.ErrClaimConflict), errors.Is(err, alarm.ErrNotFound):
		return rec, engine.NoRetry(fmt.Errorf("%w: %w", ErrClaimLost, err))
	case err != nil:
		return rec, fmt.Errorf("renew claim: %w", err)
	}
	return cur, nil
}

// deliverOnce is one delivery attempt. Permanent failures are marked so the
// pool does not retry them.
func (c *Coordinator) deliverOnce(ctx context.Context, rec alarm.Record, occ time.Time) error {
	memo, err := c.stores.Memos.GetMemo(ctx, rec.MemoID)
	if errors.Is(err, alarm.ErrNotFound) {
		return engine.NoRetry(err)
	}
	if err != nil {
		return err
	}

	err = c.deliver.Deliver(ctx, channel.Notification{
		MemoID:      memo.ID,
		AlarmID:     rec.ID,
		Channel:     rec.Rule.Channel,
		Title:       memo.Title,
		Description: memo.Description,
		FiredAt:     occ,
		Timezone:    rec.Rule.Timezone,
		Recipient:   memo.Recipient,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, channel.ErrNoRecipient), errors.Is(err, channel.ErrUnsupported):
		return engine.NoRetry(err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", alarm.ErrDeliveryTimeout, err)
	default:
		return fmt.Errorf("%w: %w", alarm.ErrDeliveryError, err)
	}
}

// commit writes the post-fire transition for a finished delivery and records
// its history. It runs on the pool after the tick may have returned, so it
// uses its own deadline.
func (c *Coordinator) commit(rec alarm.Record, occ time.Time, cfg Config, res engine.Result) deliveryResult {
	if errors.Is(res.Err, engine.ErrStopped) || errors.Is(res.Err, engine.ErrStale) {
		c.release(rec, occ, cfg)
		return deliveryResult{released: true}
	}
	if errors.Is(res.Err, ErrClaimLost) {
		c.log.Info("alarm.claim_lost", logx.String("alarm", rec.ID), logx.Time("occurrence", occ), logx.Err(res.Err))
		c.publish(eventbus.AlarmConflict, AlarmEvent{AlarmID: rec.ID, MemoID: rec.MemoID, Occurrence: occ, Owner: cfg.Owner})
		return deliveryResult{lost: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommitTimeout)
	defer cancel()

	now := c.clock.Now().UTC()
	out := deliveryResult{status: statusOf(res.Err)}
	ev := AlarmEvent{AlarmID: rec.ID, MemoID: rec.MemoID, Occurrence: occ, Owner: cfg.Owner, Attempts: res.Attempts}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	log := c.log.With(logx.String("alarm", rec.ID), logx.Time("occurrence", occ))

	switch out.status {
	case alarm.StatusSent:
		log.Info("alarm.delivered", logx.String("channel", string(rec.Rule.Channel)), logx.Int("attempts", res.Attempts))
		c.publish(eventbus.AlarmDelivered, ev)
	case alarm.StatusPending:
		log.Warn("alarm.pending", logx.Err(res.Err))
		c.publish(eventbus.AlarmFailed, ev)
	default:
		log.Warn("alarm.failed", logx.Int("attempts", res.Attempts), logx.Err(res.Err))
		c.publish(eventbus.AlarmFailed, ev)
	}

	f, outcome := alarm.AfterDispatch(rec, now, res.Err)
	updated, err := c.stores.Alarms.ConditionalUpdate(ctx, rec.ID, rec.Version, f)
	switch {
	case errors.Is(err, alarm.ErrNotFound):
		log.Info("alarm.commit_skipped", logx.String("reason", "deleted"))
		return out
	case errors.Is(err, alarm.ErrClaimConflict):
		// An edit replaced the record while it was claimed; the edit wins.
		log.Info("alarm.commit_superseded")
		c.publish(eventbus.AlarmConflict, ev)
	case err != nil:
		log.Error("alarm.commit_failed", logx.Err(err))
		out.failed = true
	default:
		switch outcome {
		case alarm.OutcomeRetired:
			c.publish(eventbus.AlarmRetired, ev)
		case alarm.OutcomeDisabled:
			log.Warn("alarm.disabled", logx.String("reason", updated.LastError))
			c.publish(eventbus.AlarmDisabled, AlarmEvent{AlarmID: rec.ID, MemoID: rec.MemoID, Occurrence: occ, Error: updated.LastError})
		default:
			if updated.NextFireAt != nil {
				log.Debug("alarm.rescheduled", logx.Time("next", *updated.NextFireAt))
			}
		}
	}

	entry := alarm.HistoryEntry{
		ID:          uuid.NewString(),
		AlarmID:     rec.ID,
		MemoID:      rec.MemoID,
		Occurrence:  occ,
		TriggeredAt: now,
		Channel:     rec.Rule.Channel,
		Status:      out.status,
		RetryCount:  max(res.Attempts-1, 0),
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := c.stores.History.AppendHistory(ctx, entry); err != nil {
		log.Warn("alarm.history_failed", logx.Err(err))
		out.failed = true
	}
	return out
}

func statusOf(err error) alarm.DeliveryStatus {
	switch {
	case err == nil:
		return alarm.StatusSent
	case errors.Is(err, channel.ErrNoRecipient):
		return alarm.StatusPending
	default:
		return alarm.StatusFailed
	}
}
