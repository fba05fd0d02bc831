package audit

import (
	"io"
	"log/slog"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	s.Record("pi1_10.0.0.5", KindConnect, "")
	s.Record("pi1_10.0.0.5", KindBroadcast, "song.wav")
	s.Record("pi2_10.0.0.6", KindConnect, "")

	events, err := s.Recent("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// Most recent first.
	if events[0].ClientID != "pi2_10.0.0.6" {
		t.Fatalf("expected most recent event first, got %+v", events[0])
	}
}

func TestRecentFiltersByKind(t *testing.T) {
	s := newTestStore(t)
	s.Record("pi1", KindConnect, "")
	s.Record("pi1", KindDisconnect, "")
	s.Record("pi1", KindConnect, "")

	events, err := s.Recent(KindConnect, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 connect events, got %d", len(events))
	}
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	s.Record("pi1", KindConnect, "")
	s.Record("pi1", KindDisconnect, "")

	n, err := s.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}
}
