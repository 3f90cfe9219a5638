package app

import (
	"context"
	"reflect"
	"slices"
	"strings"

	"memoalarm/internal/config"
	logx "memoalarm/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest version matters.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes a validated config into the running components. Storage,
// the Telegram bot and the instance id only change on restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	s, err := resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.mu.Lock()
	old := a.applied
	a.applied = s
	a.mu.Unlock()

	if old.storage != s.storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if old.telegram != s.telegram {
		a.log.Warn("telegram config changed; restart required for changes to take effect")
	}
	if old.dispatch.Owner != s.dispatch.Owner {
		a.log.Warn("scheduler.instance_id changed; restart required for changes to take effect")
	}

	a.logs.Apply(s.log)

	a.engine.Apply(ctx, s.engine)
	a.coord.Apply(s.dispatch)
	a.router.Apply(s.router)
	if !reflect.DeepEqual(old.email, s.email) {
		if err := a.applyEmail(s.email); err != nil {
			a.log.Warn("email channel not reconfigured", logx.Err(err))
		}
	}

	a.sched.Apply(s.sched)
	if old.tick != s.tick || old.retention != s.retention || old.housekeeping != s.housekeeping {
		if err := a.registerJobs(s); err != nil {
			a.log.Warn("schedule registration failed", logx.Err(err))
		}
	}

	a.http.Reconfigure(ctx, s.http)

	if slices.Contains(sections, "scheduler") && s.sched.Enabled != old.sched.Enabled {
		a.log.Info("scheduler toggled via config", logx.Bool("enabled", s.sched.Enabled))
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
