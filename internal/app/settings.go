package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"memoalarm/internal/alarm"
	"memoalarm/internal/channel"
	"memoalarm/internal/channel/email"
	"memoalarm/internal/channel/telegram"
	"memoalarm/internal/config"
	"memoalarm/internal/dispatch"
	"memoalarm/internal/httpapi"
	"memoalarm/internal/storage"
	"memoalarm/internal/task/engine"
	"memoalarm/internal/task/scheduler"
	logx "memoalarm/pkg/logx"
)

const (
	defaultTick         = time.Second
	defaultHousekeeping = "30 3 * * *"
	defaultStorePath    = "./memoalarm.db"
)

// settings is a config resolved into component configs with defaults filled.
type settings struct {
	log      logx.Config
	telegram telegram.Config
	email    *email.Config // nil when disabled
	storage  storage.Config

	engine   engine.Config
	dispatch dispatch.Config
	router   channel.RouterConfig

	sched        scheduler.Config
	tick         time.Duration
	retention    time.Duration
	housekeeping string

	http httpapi.Config
}

func resolve(cfg *config.Config) (settings, error) {
	var s settings
	if cfg == nil {
		return s, fmt.Errorf("config is nil")
	}
	var err error

	s.log, err = resolveLogging(cfg)
	if err != nil {
		return s, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return s, err
	}
	s.telegram = telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		Poll:        cfg.Telegram.Poll,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}

	if e := cfg.Email; e != nil && e.Enabled {
		s.email = &email.Config{
			Host:     strings.TrimSpace(e.Host),
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     strings.TrimSpace(e.From),
		}
	}

	if s.storage, err = resolveStorage(cfg.Storage); err != nil {
		return s, err
	}
	if err := resolveDispatch(cfg, &s); err != nil {
		return s, err
	}

	sc := cfg.Scheduler
	tz := strings.TrimSpace(sc.Timezone)
	if tz == "" {
		tz = alarm.DefaultTimezone
	}
	s.sched = scheduler.Config{Enabled: sc.Enabled, Timezone: tz}
	if s.tick, err = config.ParseDurationOrDefault("scheduler.tick_interval", sc.TickInterval, defaultTick); err != nil {
		return s, err
	}
	if s.retention, err = config.ParseDurationField("scheduler.history_retention", sc.HistoryRetention); err != nil {
		return s, err
	}
	s.housekeeping = strings.TrimSpace(sc.Housekeeping)
	if s.housekeeping == "" {
		s.housekeeping = defaultHousekeeping
	}
	if s.retention > 0 {
		if _, err := scheduler.ParseSchedule(s.housekeeping); err != nil {
			return s, fmt.Errorf("scheduler.housekeeping: %w", err)
		}
	}

	if s.http, err = resolveHTTP(cfg.HTTP); err != nil {
		return s, err
	}
	return s, nil
}

func resolveLogging(cfg *config.Config) (logx.Config, error) {
	l := cfg.Logging
	out := logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		chatID, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			return out, fmt.Errorf("telegram.group_log: invalid chat id %q", g)
		}
		out.Telegram.ChatID = chatID
	}
	return out, nil
}

func resolveStorage(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{Driver: "sqlite", Path: defaultStorePath, BusyTimeout: time.Second}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func resolveDispatch(cfg *config.Config, s *settings) error {
	var d config.DispatchConfig
	if cfg.Dispatch != nil {
		d = *cfg.Dispatch
	}
	workers := d.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := d.QueueSize
	if queue <= 0 {
		queue = 256
	}
	retryMax := 3
	if d.RetryMax != nil {
		retryMax = *d.RetryMax
		if retryMax == 0 {
			// components read 0 as "use the default"
			retryMax = -1
		}
	}
	dedupMax := d.DedupMaxEntries
	if dedupMax <= 0 {
		dedupMax = 5000
	}

	timeout, err := config.ParseDurationOrDefault("dispatch.delivery_timeout", d.DeliveryTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	base, err := config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, 500*time.Millisecond)
	if err != nil {
		return err
	}
	maxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return err
	}
	dedup, err := config.ParseDurationOrDefault("dispatch.dedup_window", d.DedupWindow, 10*time.Minute)
	if err != nil {
		return err
	}
	lease, err := config.ParseDurationField("scheduler.claim_lease", cfg.Scheduler.ClaimLease)
	if err != nil {
		return err
	}

	s.engine = engine.Config{
		Enabled:        true,
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: timeout,
		HistorySize:    200,
		RetryMax:       retryMax,
		RetryBase:      base,
		RetryMaxDelay:  maxDelay,
	}
	s.dispatch = dispatch.Config{
		Owner:           strings.TrimSpace(cfg.Scheduler.InstanceID),
		BatchSize:       cfg.Scheduler.BatchSize,
		ClaimLease:      lease,
		DeliveryTimeout: timeout,
		RetryMax:        retryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
	}
	s.router = channel.RouterConfig{DedupWindow: dedup, DedupMaxEntries: dedupMax}
	return nil
}

func resolveHTTP(hc *config.HTTPConfig) (httpapi.Config, error) {
	if hc == nil {
		return httpapi.Config{}, nil
	}
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
