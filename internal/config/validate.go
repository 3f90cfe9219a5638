package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks what can be checked without building components: duration
// syntax, the timezone, the storage driver and required channel fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if cfg.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec must be >= 0"))
	}

	s := cfg.Scheduler
	dur("scheduler.tick_interval", s.TickInterval)
	dur("scheduler.claim_lease", s.ClaimLease)
	dur("scheduler.history_retention", s.HistoryRetention)
	if s.BatchSize < 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be >= 0"))
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if d := cfg.Dispatch; d != nil {
		dur("dispatch.delivery_timeout", d.DeliveryTimeout)
		dur("dispatch.retry_base", d.RetryBase)
		dur("dispatch.retry_max_delay", d.RetryMaxDelay)
		dur("dispatch.dedup_window", d.DedupWindow)
		if d.Workers < 0 || d.QueueSize < 0 || (d.RetryMax != nil && *d.RetryMax < 0) || d.DedupMaxEntries < 0 {
			errs = append(errs, errors.New("dispatch: workers, queue_size, retry_max and dedup_max_entries must be >= 0"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
			}
		case "memory", "mem":
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if e := cfg.Email; e != nil && e.Enabled {
		if strings.TrimSpace(e.Host) == "" {
			errs = append(errs, errors.New("email.host is required when email.enabled"))
		}
		if strings.TrimSpace(e.From) == "" {
			errs = append(errs, errors.New("email.from is required when email.enabled"))
		}
		if e.Port < 0 || e.Port > 65535 {
			errs = append(errs, fmt.Errorf("email.port out of range: %d", e.Port))
		}
	}

	if h := cfg.HTTP; h != nil {
		dur("http.read_timeout", h.ReadTimeout)
		dur("http.write_timeout", h.WriteTimeout)
		dur("http.idle_timeout", h.IdleTimeout)
	}

	return errors.Join(errs...)
}
