package config

import (
	"reflect"
	"sort"
	"strings"

	logx "memoalarm/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Tokens and passwords are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Poll != nt.Poll ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.RatePerSec != nt.RatePerSec ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.poll", nt.Poll),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	oe, ne := derefEmail(oldCfg.Email), derefEmail(newCfg.Email)
	if oe != ne {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", ne.Enabled),
			logx.String("email.host", strings.TrimSpace(ne.Host)),
			logx.Int("email.port", ne.Port),
			logx.Bool("email.auth_set", ne.Username != "" || ne.Password != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.tick_interval", strings.TrimSpace(s.TickInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.Int("scheduler.batch_size", s.BatchSize),
			logx.String("scheduler.history_retention", strings.TrimSpace(s.HistoryRetention)),
			logx.String("scheduler.housekeeping", strings.TrimSpace(s.Housekeeping)),
		)
	}

	od, nd := derefDispatch(oldCfg.Dispatch), derefDispatch(newCfg.Dispatch)
	if !reflect.DeepEqual(od, nd) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", nd.Workers),
			logx.Int("dispatch.queue_size", nd.QueueSize),
			logx.String("dispatch.delivery_timeout", strings.TrimSpace(nd.DeliveryTimeout)),
			logx.Any("dispatch.retry_max", nd.RetryMax),
			logx.String("dispatch.dedup_window", strings.TrimSpace(nd.DedupWindow)),
		)
	}

	// Nil means defaults.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	oh, nh := derefHTTP(oldCfg.HTTP), derefHTTP(newCfg.HTTP)
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.allow_insecure", nh.AllowInsecure),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefEmail(e *EmailConfig) EmailConfig {
	if e == nil {
		return EmailConfig{}
	}
	return *e
}

func derefDispatch(d *DispatchConfig) DispatchConfig {
	if d == nil {
		return DispatchConfig{}
	}
	return *d
}

func derefHTTP(h *HTTPConfig) HTTPConfig {
	if h == nil {
		return HTTPConfig{}
	}
	return *h
}
