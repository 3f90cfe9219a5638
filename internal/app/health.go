package app

import (
	"time"

	"memoalarm/internal/dispatch"
	rtsup "memoalarm/internal/runtime/supervisor"
	"memoalarm/internal/task/engine"
	"memoalarm/internal/task/scheduler"
)

// Health is served at /healthz.
type Health struct {
	Status     string               `json:"status"`
	Instance   string               `json:"instance"`
	Uptime     string               `json:"uptime"`
	Supervisor rtsup.Counters       `json:"supervisor"`
	Engine     engine.Snapshot      `json:"engine"`
	Scheduler  scheduler.Snapshot   `json:"scheduler"`
	LastTick   *dispatch.TickReport `json:"last_tick,omitempty"`
}

func (a *App) Health() Health {
	h := Health{
		Status:    "ok",
		Instance:  a.coord.Owner(),
		Engine:    a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
		LastTick:  a.lastTick.Load(),
	}
	if a.sup != nil {
		h.Supervisor = a.sup.Counters()
		h.Uptime = time.Since(a.startedAt).Round(time.Second).String()
		if a.sup.Err() != nil {
			h.Status = "degraded"
		}
	}
	if h.Scheduler.Enabled && !h.Scheduler.Running {
		h.Status = "degraded"
	}
	return h
}
