package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openfroyo/froyobox/pkg/engine"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		timezone string
		wantErr  bool
	}{
		{"every five minutes", "*/5 * * * *", "", false},
		{"descriptor", "@hourly", "UTC", false},
		{"with timezone", "0 9 * * 1-5", "Europe/Berlin", false},
		{"empty", "", "", true},
		{"six fields", "0 0 9 * * *", "", true},
		{"garbage", "every day", "", true},
		{"bad timezone", "0 9 * * *", "Mars/Olympus", true},
		{"embedded timezone", "CRON_TZ=UTC 0 9 * * *", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr, tt.timezone)
			if tt.wantErr {
				if !engine.IsValidation(err) {
					t.Errorf("expected VALIDATION_FAILED, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNextRunHonoursTimezone(t *testing.T) {
	from := time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)

	next, err := NextRun("0 9 * * *", "America/New_York", from)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}

	// 09:00 in New York in January is 14:00 UTC.
	want := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next.UTC(), want)
	}

	nextUTC, err := NextRun("0 9 * * *", "", from)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	if !nextUTC.Equal(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("NextRun in UTC = %v", nextUTC.UTC())
	}
}

func TestEngine_Repeatables(t *testing.T) {
	e := newTestEngine(t)
	_ = e.Register("cron", func(ctx context.Context, job *Job) (json.RawMessage, error) { return nil, nil }, 1)

	if err := e.AddRepeatable("cronjob:1", "*/5 * * * *", "UTC", "missing", nil); !engine.IsValidation(err) {
		t.Errorf("unregistered queue: expected VALIDATION_FAILED, got %v", err)
	}
	if err := e.AddRepeatable("cronjob:1", "not a schedule", "UTC", "cron", nil); !engine.IsValidation(err) {
		t.Errorf("bad schedule: expected VALIDATION_FAILED, got %v", err)
	}

	if err := e.AddRepeatable("cronjob:1", "*/5 * * * *", "UTC", "cron", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("AddRepeatable failed: %v", err)
	}
	// Re-adding replaces instead of duplicating.
	if err := e.AddRepeatable("cronjob:1", "0 * * * *", "UTC", "cron", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("AddRepeatable replace failed: %v", err)
	}
	if err := e.AddRepeatable("cronjob:2", "@daily", "UTC", "cron", nil); err != nil {
		t.Fatalf("AddRepeatable failed: %v", err)
	}

	keys := e.Repeatables()
	if len(keys) != 2 || keys[0] != "cronjob:1" || keys[1] != "cronjob:2" {
		t.Errorf("Repeatables() = %v", keys)
	}

	if !e.RemoveRepeatable("cronjob:1") {
		t.Error("RemoveRepeatable returned false for registered key")
	}
	if e.RemoveRepeatable("cronjob:1") {
		t.Error("RemoveRepeatable returned true for removed key")
	}
	if _, ok := e.NextActivation("cronjob:1"); ok {
		t.Error("NextActivation should not find removed key")
	}
}

func TestEngine_FireSubmitsSingleNodeFlow(t *testing.T) {
	e := newTestEngine(t)

	got := make(chan *Job, 1)
	_ = e.Register("cron", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		got <- job
		return nil, nil
	}, 1)

	e.fire("cronjob:abc", "cron", json.RawMessage(`{"cronjob_id":"abc"}`))

	select {
	case job := <-got:
		if string(job.Data) != `{"cronjob_id":"abc"}` || job.MaxAttempts != 1 {
			t.Errorf("unexpected job: data=%s maxAttempts=%d", job.Data, job.MaxAttempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("repeatable activation was not executed")
	}
}
