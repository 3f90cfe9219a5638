// Package app wires the alarm engine together: storage, the editing service,
// delivery channels, the dispatch coordinator, the tick driver and the REST
// listener. It owns the process lifecycle and config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"

	"memoalarm/internal/alarm"
	"memoalarm/internal/channel"
	"memoalarm/internal/channel/email"
	"memoalarm/internal/channel/telegram"
	"memoalarm/internal/config"
	"memoalarm/internal/dispatch"
	"memoalarm/internal/eventbus"
	"memoalarm/internal/httpapi"
	rtsup "memoalarm/internal/runtime/supervisor"
	"memoalarm/internal/storage"
	"memoalarm/internal/task/engine"
	"memoalarm/internal/task/scheduler"
	logx "memoalarm/pkg/logx"
)

const (
	jobTick  = "dispatch.tick"
	jobPrune = "history.prune"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock

	alarms *alarm.Service
	tg     *telegram.Adapter // nil without a token
	router *channel.Router
	engine *engine.Service
	coord  *dispatch.Coordinator
	sched  *scheduler.Service
	http   *httpapi.Server

	mu      sync.Mutex
	applied settings

	startedAt time.Time
	lastTick  atomic.Pointer[dispatch.TickReport]

	// notify reports state to systemd; tests replace it.
	notify func(state string)
}

// NewApp loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, clock.New())
}

func newApp(cfgm *config.Manager, cfg *config.Config, clk clock.Clock) (*App, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	var tg *telegram.Adapter
	if s.telegram.Token != "" {
		tg, err = telegram.New(s.telegram, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	// The Telegram log sink needs the adapter as its sender.
	var sender logx.Sender
	if tg != nil {
		sender = tg
	}
	logSvc, log := logx.New(s.log, sender)
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(s.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", s.storage.Driver))

	bus := eventbus.New()
	alarms := alarm.NewService(store, store, store, clk, log.With(logx.String("comp", "alarm")))

	router := channel.NewRouter(s.router, clk, log.With(logx.String("comp", "channel")), bus)
	if tg != nil {
		router.Register(alarm.ChannelTelegram, tg)
	}

	eng := engine.New(s.engine, log.With(logx.String("comp", "taskengine")), bus)
	coord := dispatch.New(s.dispatch, dispatch.Stores{Alarms: store, Memos: store, History: store},
		eng, router, clk, log.With(logx.String("comp", "dispatch")), bus)
	sched := scheduler.New(s.sched, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		clock:  clk,
		alarms: alarms,
		tg:     tg,
		router: router,
		engine: eng,
		coord:  coord,
		sched:  sched,
		notify: sdNotify(appLog),
	}
	if err := a.applyEmail(s.email); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	h := httpapi.NewHandler(alarms, log.With(logx.String("comp", "http")), func() any { return a.Health() })
	a.http = httpapi.NewServer(s.http, h, log.With(logx.String("comp", "http")))

	if err := a.registerJobs(s); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.applied = s
	appLog.Info("app built", logx.String("instance", coord.Owner()), logx.Duration("tick", s.tick))
	return a, nil
}

// Alarms exposes the editing surface.
func (a *App) Alarms() *alarm.Service { return a.alarms }

// applyEmail registers, replaces or removes the email adapter.
func (a *App) applyEmail(cfg *email.Config) error {
	if cfg == nil {
		a.router.Register(alarm.ChannelEmail, nil)
		return nil
	}
	ad, err := email.New(*cfg, a.log.With(logx.String("comp", "email")))
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	a.router.Register(alarm.ChannelEmail, ad)
	return nil
}

// registerJobs (re)registers the tick and housekeeping schedules. Re-adding a
// name keeps its overlap guard.
func (a *App) registerJobs(s settings) error {
	if err := a.sched.AddInterval(jobTick, s.tick, 0, a.tick); err != nil {
		return err
	}
	if s.retention <= 0 {
		a.sched.Remove(jobPrune)
		return nil
	}
	retention := s.retention
	return a.sched.AddSchedule(jobPrune, s.housekeeping, time.Minute, func(ctx context.Context) error {
		_, err := a.alarms.PruneHistory(ctx, retention)
		return err
	})
}

func (a *App) tick(ctx context.Context) error {
	rep, err := a.coord.Tick(ctx)
	if err != nil {
		return err
	}
	a.lastTick.Store(&rep)
	a.notify(daemon.SdNotifyWatchdog)
	return nil
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})

	// Startup order: workers before triggers.
	a.engine.Start(runCtx)
	if a.tg != nil {
		if err := a.tg.Start(runCtx); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	a.sched.Start(runCtx)
	a.http.Start(runCtx)

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Tick and task events fire every second; keep them at debug.
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if d, err := daemon.SdWatchdogEnabled(false); err == nil && d > 0 {
		a.log.Info("systemd watchdog enabled", logx.Duration("interval", d))
		if a.applied.tick*2 > d {
			a.log.Warn("tick interval is too long for the watchdog", logx.Duration("tick", a.applied.tick), logx.Duration("watchdog", d))
		}
	}
	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("instance", a.coord.Owner()))
	return nil
}

// Done is closed when the app's run context ends, for example after a fatal
// supervised error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first supervised error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Triggers first, then the pool: queued deliveries finish with ErrStopped
	// and release their claims.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and the caller's deadline, so
// one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}

func sdNotify(log logx.Logger) func(string) {
	return func(state string) {
		if _, err := daemon.SdNotify(false, state); err != nil {
			log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		}
	}
}
