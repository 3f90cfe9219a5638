package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"memoalarm/internal/alarm"
	"memoalarm/internal/channel"
	"memoalarm/internal/eventbus"
	"memoalarm/internal/storage"
	"memoalarm/internal/task/engine"
	logx "memoalarm/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

type fixture struct {
	st   *storage.Memory
	clk  *clock.Mock
	pool *engine.Service
	svc  *alarm.Service
	memo alarm.Memo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemory()
	clk := clock.NewMock()
	clk.Set(t0)

	pool := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 16}, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() { pool.Stop(context.Background()) })

	svc := alarm.NewService(st, st, st, clk, logx.Nop())
	memo, err := svc.CreateMemo(context.Background(), alarm.Memo{
		Title:     "water plants",
		Recipient: alarm.Recipient{TelegramChatID: 42, Email: "a@example.com"},
	})
	require.NoError(t, err)
	return &fixture{st: st, clk: clk, pool: pool, svc: svc, memo: memo}
}

func (f *fixture) coordinator(owner string, pool Submitter, deliver channel.Adapter, bus eventbus.Bus) *Coordinator {
	cfg := Config{
		Owner:           owner,
		DeliveryTimeout: time.Second,
		RetryMax:        2,
		RetryBase:       time.Millisecond,
		RetryMaxDelay:   2 * time.Millisecond,
	}
	if pool == nil {
		pool = f.pool
	}
	return New(cfg, Stores{Alarms: f.st, Memos: f.st, History: f.st}, pool, deliver, f.clk, logx.Nop(), bus)
}

func (f *fixture) upsert(t *testing.T, rule alarm.Rule) alarm.Record {
	t.Helper()
	rec, err := f.svc.UpsertAlarm(context.Background(), f.memo.ID, rule, true)
	require.NoError(t, err)
	return rec
}

func (f *fixture) tick(t *testing.T, c *Coordinator) TickReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := c.Tick(ctx)
	require.NoError(t, err)
	return rep
}

type recorder struct {
	mu   sync.Mutex
	sent []channel.Notification
	err  error
}

func (r *recorder) Deliver(_ context.Context, n channel.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestTickDeliversAndRetiresOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	at := t0.Add(time.Hour)
	rec := f.upsert(t, alarm.OnceAt(at, "Asia/Seoul", alarm.ChannelTelegram))
	out := &recorder{}
	c := f.coordinator("a", nil, out, nil)

	rep := f.tick(t, c)
	require.Equal(t, 0, rep.Due, "not due before its instant")

	f.clk.Set(at)
	rep = f.tick(t, c)
	require.Equal(t, 1, rep.Claimed)
	require.Equal(t, 1, rep.Delivered)
	require.Equal(t, 1, out.count())
	n := out.sent[0]
	require.Equal(t, "water plants", n.Title)
	require.Equal(t, at, n.FiredAt)
	require.Equal(t, int64(42), n.Recipient.TelegramChatID)

	got, err := f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Nil(t, got.NextFireAt)
	require.Nil(t, got.Claim)
	require.NotNil(t, got.LastFiredAt)

	h, err := f.st.ListHistory(context.Background(), rec.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.Equal(t, alarm.StatusSent, h[0].Status)
	require.Equal(t, 0, h[0].RetryCount)
	require.Equal(t, at, h[0].Occurrence)

	f.clk.Add(time.Hour)
	rep = f.tick(t, c)
	require.Equal(t, 0, rep.Due)
	require.Equal(t, 1, out.count())
}

func TestTickFailedRepeatStillAdvances(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.upsert(t, alarm.Repeating(alarm.IntervalDaily, alarm.TimeOfDay{Hour: 8}, "UTC", alarm.ChannelEmail))
	require.Equal(t, t0.Add(2*time.Hour), *rec.NextFireAt)

	out := &recorder{err: errors.New("smtp down")}
	c := f.coordinator("a", nil, out, nil)

	f.clk.Set(t0.Add(2 * time.Hour))
	rep := f.tick(t, c)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 3, out.count(), "first attempt plus two retries")

	got, err := f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Equal(t, t0.Add(26*time.Hour), *got.NextFireAt)
	require.Contains(t, got.LastError, alarm.ErrDeliveryError.Error())

	h, err := f.st.ListHistory(context.Background(), rec.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.Equal(t, alarm.StatusFailed, h[0].Status)
	require.Equal(t, 2, h[0].RetryCount)
}

func TestTickTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelTelegram))
	slow := channel.AdapterFunc(func(ctx context.Context, _ channel.Notification) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c := f.coordinator("a", nil, slow, nil)
	cfg := c.config()
	cfg.DeliveryTimeout = 20 * time.Millisecond
	cfg.RetryMax = 1
	c.Apply(cfg)

	rep := f.tick(t, c)
	require.Equal(t, 1, rep.Failed)

	got, err := f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Contains(t, got.LastError, alarm.ErrDeliveryTimeout.Error())
}

func TestTickMissingRecipientIsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelEmail))
	var calls atomic.Int32
	none := channel.AdapterFunc(func(context.Context, channel.Notification) error {
		calls.Add(1)
		return channel.ErrNoRecipient
	})
	c := f.coordinator("a", nil, none, nil)

	rep := f.tick(t, c)
	require.Equal(t, 1, rep.Pending)
	require.Equal(t, int32(1), calls.Load(), "a missing recipient is not retried")

	h, err := f.st.ListHistory(context.Background(), rec.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.Equal(t, alarm.StatusPending, h[0].Status)
}

// staleLister replays a listing taken before another instance claimed.
type staleLister struct {
	*storage.Memory
	snapshot []alarm.Record
}

func (s staleLister) ListEnabledBefore(context.Context, time.Time, int) ([]alarm.Record, error) {
	return s.snapshot, nil
}

func TestTickClaimConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelTelegram))
	snap, err := f.st.ListEnabledBefore(context.Background(), t0, 0)
	require.NoError(t, err)
	require.Len(t, snap, 1)

	out := &recorder{}
	a := f.coordinator("a", nil, out, nil)
	b := New(a.config(), Stores{Alarms: staleLister{Memory: f.st, snapshot: snap}, Memos: f.st, History: f.st}, f.pool, out, f.clk, logx.Nop(), nil)
	b.Apply(Config{Owner: "b"})
	require.NotEqual(t, "b", b.Owner(), "Apply keeps the owner")

	require.Equal(t, 1, f.tick(t, a).Delivered)
	rep := f.tick(t, b)
	require.Equal(t, 1, rep.Conflicts)
	require.Equal(t, 0, rep.Claimed)
	require.Equal(t, 1, out.count())
}

func TestConcurrentTicksDeliverOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelTelegram))
	out := &recorder{}
	cs := []*Coordinator{f.coordinator("a", nil, out, nil), f.coordinator("b", nil, out, nil), f.coordinator("c", nil, out, nil)}

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for _, c := range cs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := c.Tick(context.Background())
			if err == nil {
				claimed.Add(int32(rep.Claimed))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), claimed.Load())
	require.Equal(t, 1, out.count())
}

func TestTickRecurrenceErrorDisables(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tod := alarm.TimeOfDay{Hour: 6}
	next := t0
	rec, err := f.st.Create(context.Background(), alarm.Record{
		ID:         "broken",
		MemoID:     f.memo.ID,
		Rule:       alarm.Rule{Kind: alarm.KindRepeat, Interval: alarm.IntervalDaily, TimeOfDay: &tod, Timezone: "Nowhere/Invalid", Channel: alarm.ChannelTelegram},
		Enabled:    true,
		NextFireAt: &next,
	})
	require.NoError(t, err)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	c := f.coordinator("a", nil, &recorder{}, bus)
	rep := f.tick(t, c)
	require.Equal(t, 1, rep.Delivered)

	got, err := f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Nil(t, got.NextFireAt)
	require.Contains(t, got.LastError, alarm.ErrRecurrence.Error())

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	require.True(t, seen[eventbus.AlarmDisabled])
	require.True(t, seen[eventbus.AlarmDelivered])
	require.True(t, seen[eventbus.TickCompleted])
}

type rejectingPool struct{}

func (rejectingPool) Submit(context.Context, engine.Task) error { return engine.ErrStopped }

func TestTickSubmitFailureReleases(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelTelegram))
	c := f.coordinator("a", rejectingPool{}, &recorder{}, nil)

	rep := f.tick(t, c)
	require.Equal(t, 1, rep.Claimed)
	require.Equal(t, 1, rep.Released)

	got, err := f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.True(t, got.Enabled)
	require.Nil(t, got.Claim)
	require.Equal(t, t0, *got.NextFireAt)
}

func TestTickReclaimsExpiredClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.upsert(t, alarm.Repeating(alarm.IntervalDaily, alarm.TimeOfDay{Hour: 6}, "UTC", alarm.ChannelTelegram))
	require.Equal(t, t0, *rec.NextFireAt)

	// an instance claimed the occurrence and died
	fields, occ := alarm.ClaimFields(rec, "dead", t0, time.Minute)
	_, err := f.st.ConditionalUpdate(context.Background(), rec.ID, rec.Version, fields)
	require.NoError(t, err)

	out := &recorder{}
	c := f.coordinator("a", nil, out, nil)
	require.Equal(t, 0, f.tick(t, c).Due, "live claim is not due")

	f.clk.Add(2 * time.Minute)
	rep := f.tick(t, c)
	require.Equal(t, 1, rep.Claimed)
	require.Equal(t, 1, rep.Delivered)
	require.Equal(t, occ, out.sent[0].FiredAt)

	got, err := f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, t0.Add(24*time.Hour), *got.NextFireAt)
}

// heldPool keeps submitted tasks queued until the test runs them, like a
// worker pool that is backed up.
type heldPool struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (p *heldPool) Submit(_ context.Context, t engine.Task) error {
	p.mu.Lock()
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
	return nil
}

func (p *heldPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *heldPool) take() engine.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tasks[0]
	p.tasks = p.tasks[1:]
	return t
}

// startTick runs c.Tick in the background and returns its report channel.
func startTick(c *Coordinator) <-chan TickReport {
	out := make(chan TickReport, 1)
	go func() {
		rep, _ := c.Tick(context.Background())
		out <- rep
	}()
	return out
}

func TestQueuedDeliveryPastLeaseIsNotRepeated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelTelegram))
	out := &recorder{}

	held := &heldPool{}
	a := f.coordinator("a", held, out, nil)
	reports := startTick(a)
	require.Eventually(t, func() bool { return held.len() == 1 }, 5*time.Second, time.Millisecond)

	// the queue stays backed up until the lease lapses and b takes over
	f.clk.Add(a.config().ClaimLease + time.Second)
	b := f.coordinator("b", nil, out, nil)
	rep := f.tick(t, b)
	require.Equal(t, 1, rep.Claimed)
	require.Equal(t, 1, rep.Delivered)

	task := held.take()
	err := task.Run(context.Background())
	require.ErrorIs(t, err, ErrClaimLost)
	require.True(t, engine.IsNoRetry(err))
	task.Done(engine.Result{ID: task.ID, Attempts: 1, Err: err})

	repA := <-reports
	require.Equal(t, 1, repA.Conflicts)
	require.Equal(t, 0, repA.Delivered)
	require.Equal(t, 1, out.count(), "the occurrence is delivered once")

	h, err := f.st.ListHistory(context.Background(), rec.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
}

func TestAttemptRenewsLease(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelTelegram))
	out := &recorder{}

	held := &heldPool{}
	a := f.coordinator("a", held, out, nil)
	lease := a.config().ClaimLease
	reports := startTick(a)
	require.Eventually(t, func() bool { return held.len() == 1 }, 5*time.Second, time.Millisecond)

	f.clk.Add(lease - time.Second)
	task := held.take()
	require.NoError(t, task.Run(context.Background()))

	got, err := f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Claim)
	require.Equal(t, "a", got.Claim.Owner)
	require.Equal(t, f.clk.Now().Add(lease).UTC(), got.Claim.Until)

	// past the original lease the renewed claim still holds
	f.clk.Add(2 * time.Second)
	rep := f.tick(t, f.coordinator("b", nil, out, nil))
	require.Equal(t, 0, rep.Due)

	task.Done(engine.Result{ID: task.ID, Attempts: 1})
	repA := <-reports
	require.Equal(t, 1, repA.Delivered)
	require.Equal(t, 1, out.count())

	got, err = f.st.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.Nil(t, got.Claim)
}

func TestRetryMaxNegativeDisablesRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upsert(t, alarm.OnceAt(t0, "", alarm.ChannelEmail))
	out := &recorder{err: errors.New("smtp down")}
	c := f.coordinator("a", nil, out, nil)
	cfg := c.config()
	cfg.RetryMax = -1
	c.Apply(cfg)
	require.Equal(t, -1, c.config().RetryMax)

	rep := f.tick(t, c)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 1, out.count(), "a single attempt")
}

func TestMemoEditShowsInNextDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upsert(t, alarm.Repeating(alarm.IntervalDaily, alarm.TimeOfDay{Hour: 8}, "UTC", alarm.ChannelTelegram))
	out := &recorder{}
	c := f.coordinator("a", nil, out, nil)

	title, chat := "water the ferns", int64(43)
	_, err := f.svc.UpdateMemo(context.Background(), f.memo.ID, alarm.MemoPatch{Title: &title, TelegramChatID: &chat})
	require.NoError(t, err)

	f.clk.Set(t0.Add(2 * time.Hour))
	require.Equal(t, 1, f.tick(t, c).Delivered)
	require.Equal(t, "water the ferns", out.sent[0].Title)
	require.Equal(t, int64(43), out.sent[0].Recipient.TelegramChatID)
}
