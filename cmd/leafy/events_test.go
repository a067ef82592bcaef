package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/leafy/internal/audit"
	"github.com/basket/leafy/internal/bus"
)

func TestAuditEvents_RecordsMaintenanceAndFailedTasks(t *testing.T) {
	home := t.TempDir()
	log, err := audit.Open(home)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	b := bus.New()
	defer b.Close()

	stop := auditEvents(b, log, slog.Default())
	b.Publish(bus.TopicMaintenanceSweep, bus.SweepEvent{Job: "cache_sweep", Removed: 4})
	b.Publish(bus.TopicMaintenanceSweep, bus.SweepEvent{Job: "backup", Detail: "disk full", Failed: true})
	b.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: "lookup-1", NewState: "FAILED", Error: "upstream timeout"})
	b.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: "maintenance-backup-1a2b3c4d", NewState: "FAILED", Error: "disk full"})
	b.Publish(bus.TopicCacheHit, bus.CacheEvent{QueryHash: "h"})
	stop()

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]audit.Entry{}
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e audit.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		got[e.Action+"/"+e.Subject] = e
	}
	if len(got) != 3 {
		t.Fatalf("entries = %v, want 3", got)
	}
	tests := []struct {
		key     string
		outcome string
		detail  string
	}{
		{"maintenance.cache_sweep/", audit.OutcomeOK, "removed=4"},
		{"maintenance.backup/", audit.OutcomeFailed, "disk full"},
		{"task.failed/lookup-1", audit.OutcomeFailed, "upstream timeout"},
	}
	for _, tt := range tests {
		e, ok := got[tt.key]
		if !ok {
			t.Fatalf("missing %s in %v", tt.key, got)
		}
		if e.Outcome != tt.outcome || e.Detail != tt.detail {
			t.Fatalf("%s = %+v, want outcome=%s detail=%s", tt.key, e, tt.outcome, tt.detail)
		}
	}
}
