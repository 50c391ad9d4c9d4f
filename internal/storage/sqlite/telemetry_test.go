package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/yegors/aura-relay/internal/telemetry"
	"github.com/yegors/aura-relay/pkg/logger"
)

func newTestStorage(t *testing.T) *TelemetryStorage {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "telemetry.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewTelemetryStorage(db, logger.NewNop())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestStoreAndReadSessionEvents(t *testing.T) {
	s := newTestStorage(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	s.Record(telemetry.Event{Name: telemetry.SessionStart, SessionID: "s1", Provider: "openai", Model: "gpt-4o-transcribe", Source: "mic", Time: at})
	s.Record(telemetry.Event{Name: telemetry.TranscriptionCompleted, SessionID: "s1", Provider: "openai", Model: "gpt-4o-transcribe", Time: at.Add(time.Second),
		Attributes: map[string]any{"transcript": "hello"}})
	s.Record(telemetry.Event{Name: telemetry.SessionStart, SessionID: "s2", Provider: "azure"})

	events, err := s.GetSessionEvents("s1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != telemetry.SessionStart || events[0].Source != "mic" || !events[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Attributes["transcript"] != "hello" {
		t.Fatalf("attributes not round-tripped: %+v", events[1].Attributes)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	s := newTestStorage(t)
	if err := s.initDB(); err != nil {
		t.Fatalf("second init: %v", err)
	}
}
