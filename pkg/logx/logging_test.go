package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriterFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("alarm.claimed", String("alarm", "a1"), Int("attempt", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	for k, want := range map[string]any{"comp": "dispatch", "alarm": "a1", "attempt": float64(2), "err": "boom", "message": "alarm.claimed"} {
		if m[k] != want {
			t.Fatalf("%s = %v, want %v", k, m[k], want)
		}
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger.IsZero() = false")
	}
	l.Info("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop().IsZero() = true")
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()

	got := formatTelegramJSON([]byte(`{"level":"warn","time":"x","message":"alarm.failed","alarm":"a1","attempts":3}` + "\n"))
	want := "[WARN] alarm.failed\n- alarm=a1\n- attempts=3"
	if got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}
	if got := formatTelegramJSON([]byte("plain line\n")); got != "plain line" {
		t.Fatalf("formatTelegramJSON(plain) = %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestTelegramSinkMinLevel(t *testing.T) {
	t.Parallel()

	snd := &recordingSender{}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10}}, snd)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud")

	deadline := time.Now().Add(2 * time.Second)
	for snd.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	snd.mu.Lock()
	defer snd.mu.Unlock()
	if len(snd.msgs) != 1 || !strings.Contains(snd.msgs[0], "loud") {
		t.Fatalf("sent = %q, want only the warning", snd.msgs)
	}
}
