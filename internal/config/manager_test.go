package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll: true
  poll_timeout: 10s
  group_log: "-100200"
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  tick_interval: 500ms
  timezone: Asia/Seoul
  history_retention: 720h
dispatch:
  workers: 3
  retry_max: 2
storage:
  driver: sqlite
  path: ./memoalarm.db
http:
  enabled: true
  addr: 127.0.0.1:8080
`

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		data    string
		wantErr string
	}{
		{name: "yaml", path: "c.yaml", data: sampleYAML},
		{name: "json", path: "c.json", data: `{"scheduler":{"enabled":true,"tick_interval":"1s"}}`},
		{name: "unknown field", path: "c.json", data: `{"scheduler":{"workers":2}}`, wantErr: "unknown field"},
		{name: "unknown yaml field", path: "c.yml", data: "plugins: {}\n", wantErr: "unknown field"},
		{name: "trailing data", path: "c.json", data: `{} {}`, wantErr: "trailing data"},
		{name: "bad yaml", path: "c.yaml", data: "scheduler: [", wantErr: "yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.path, []byte(tt.data))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Decode() err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() err = %v", err)
			}
			if !cfg.Scheduler.Enabled {
				t.Fatalf("Scheduler.Enabled = false, want true")
			}
		})
	}
}

func TestDecodeYAMLFields(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("memoalarm.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !cfg.Telegram.Poll {
		t.Fatalf("Telegram = %+v", cfg.Telegram)
	}
	if cfg.Dispatch == nil || cfg.Dispatch.Workers != 3 || cfg.Dispatch.RetryMax == nil || *cfg.Dispatch.RetryMax != 2 {
		t.Fatalf("Dispatch = %+v", cfg.Dispatch)
	}
	if cfg.HTTP == nil || cfg.HTTP.Addr != "127.0.0.1:8080" {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero", cfg: Config{}},
		{name: "bad tick", cfg: Config{Scheduler: SchedulerConfig{TickInterval: "fast"}}, wantErr: "scheduler.tick_interval"},
		{name: "negative retention", cfg: Config{Scheduler: SchedulerConfig{HistoryRetention: "-1h"}}, wantErr: "scheduler.history_retention"},
		{name: "bad timezone", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, wantErr: "scheduler.timezone"},
		{name: "sqlite without path", cfg: Config{Storage: &StorageConfig{Driver: "sqlite"}}, wantErr: "storage.path"},
		{name: "memory", cfg: Config{Storage: &StorageConfig{Driver: "memory"}}},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "redis"}}, wantErr: "unknown storage.driver"},
		{name: "email without host", cfg: Config{Email: &EmailConfig{Enabled: true, From: "a@b.c"}}, wantErr: "email.host"},
		{name: "email disabled", cfg: Config{Email: &EmailConfig{}}},
		{name: "negative workers", cfg: Config{Dispatch: &DispatchConfig{Workers: -1}}, wantErr: "dispatch"},
		{name: "bad http timeout", cfg: Config{HTTP: &HTTPConfig{ReadTimeout: "x"}}, wantErr: "http.read_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{HTTP: &HTTPConfig{Enabled: true, Token: "old-secret"}, Email: &EmailConfig{Password: "pw1"}}
	newCfg := &Config{HTTP: &HTTPConfig{Enabled: true, Token: "new-secret"}, Email: &EmailConfig{Password: "pw2"}}

	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "email,http" {
		t.Fatalf("sections = %v, want [email http]", sections)
	}

	sections, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 {
		t.Fatalf("sections = %v, want none", sections)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestReloadSkipsInvalidAndUnchanged(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "memoalarm.json")
	writeFile(t, path, `{"scheduler":{"enabled":true}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	sub := m.Subscribe(4)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatal("reload() published an unchanged config")
	}

	writeFile(t, path, `{"scheduler":{"enabled":true,"tick_interval":"soon"}}`)
	if m.reload(ctx) {
		t.Fatal("reload() published an invalid config")
	}

	m.SetValidator(func(context.Context, *Config) error { return os.ErrPermission })
	writeFile(t, path, `{"scheduler":{"enabled":false}}`)
	if m.reload(ctx) {
		t.Fatal("reload() published a config the validator rejected")
	}

	m.SetValidator(nil)
	if !m.reload(ctx) {
		t.Fatal("reload() = false, want publish")
	}
	select {
	case got := <-sub:
		if got.Scheduler.Enabled {
			t.Fatalf("published Scheduler.Enabled = true, want false")
		}
	default:
		t.Fatal("subscriber got nothing")
	}
	if m.Get().Scheduler.Enabled {
		t.Fatal("Get() still returns the old config")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "memoalarm.yaml")
	writeFile(t, path, "scheduler:\n  enabled: true\n")
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher may not be registered yet; keep rewriting until it sees one.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for n := 0; ; n++ {
		select {
		case got := <-sub:
			if got.Scheduler.TickInterval == "" {
				t.Fatalf("published config lacks tick_interval: %+v", got.Scheduler)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch() = %v", err)
			}
			return
		case <-tick.C:
			writeFile(t, path, "scheduler:\n  enabled: true\n  tick_interval: "+time.Duration(n+1).String()+"\n")
		case <-ctx.Done():
			t.Fatal("no config published before timeout")
		}
	}
}
