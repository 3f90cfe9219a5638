package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "30 3 * * *", kind: SpecCron, cron: "30 3 * * *"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "cron:0 */6 * * *", kind: SpecCron, cron: "0 */6 * * *"},
		{in: "5s", kind: SpecInterval, every: 5 * time.Second},
		{in: "@every 1h30m", kind: SpecInterval, every: 90 * time.Minute},
		{in: "every: 250ms", kind: SpecInterval, every: 250 * time.Millisecond},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "-5s", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now, "dispatch.tick")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter = %v, want [0,10s)", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(10*time.Second + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if next := sched.Next(first); !next.Equal(first.Add(10 * time.Second)) {
		t.Fatalf("second = %v, want %v", next, first.Add(10*time.Second))
	}

	if s := (everySchedule{every: 200 * time.Millisecond}); !s.Next(now).Equal(now.Add(200 * time.Millisecond)) {
		t.Fatal("sub-second period was rounded")
	}
}
