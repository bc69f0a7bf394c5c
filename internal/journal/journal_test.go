package journal_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/la3lma/nodee/internal/journal"
	"github.com/la3lma/nodee/internal/supervisor"
)

// The journal must satisfy the supervisor's recording interface.
var _ supervisor.Journal = (*journal.Journal)(nil)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	if err := j.Record(ctx, "", "node_started", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, "web", "service_started", map[string]any{"pid": 42}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, "web", "service_killed", map[string]any{"rss_pages": 9000}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(events))
	}

	// Newest first.
	if events[0].Kind != "service_killed" || events[2].Kind != "node_started" {
		t.Errorf("unexpected ordering: %q ... %q", events[0].Kind, events[2].Kind)
	}
	if events[0].Service != "web" {
		t.Errorf("service = %q, want web", events[0].Service)
	}
	if events[0].EventID == "" {
		t.Error("event id not assigned")
	}
	if events[0].At.IsZero() {
		t.Error("timestamp not recorded")
	}

	// Detail survives the round trip (JSON numbers come back as float64).
	if v, ok := events[1].Detail["pid"].(float64); !ok || v != 42 {
		t.Errorf("detail = %+v", events[1].Detail)
	}
}

func TestJournal_RecentHonoursLimit(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, "svc", "service_exited", nil); err != nil {
			t.Fatal(err)
		}
	}

	events, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("Recent(2) returned %d events", len(events))
	}

	if events, _ := j.Recent(ctx, 0); events != nil {
		t.Errorf("Recent(0) = %v, want nil", events)
	}
}
