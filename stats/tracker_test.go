package stats

import (
	"strings"
	"sync"
	"testing"

	"atallasim/events"
)

func TestTrackerCountsLifecycle(t *testing.T) {
	tr := NewTracker()
	tr.Observe(events.Event{Kind: events.Connect})
	tr.Observe(events.Event{Kind: events.FrameReceived, FrameLen: 10})
	tr.Observe(events.Event{Kind: events.CommandMatched, Command: "93", Status: "00"})
	tr.Observe(events.Event{Kind: events.ResponseSent, ResponseLen: 24})
	tr.Observe(events.Event{Kind: events.FrameReceived, FrameLen: 6})
	tr.Observe(events.Event{Kind: events.Unrecognized})
	tr.Observe(events.Event{Kind: events.Disconnect, Reason: "eof"})
	tr.Observe(events.Event{Kind: events.Rejected})

	s := tr.Snapshot()
	if s.Connections != 1 || s.Active != 0 || s.Rejected != 1 {
		t.Fatalf("unexpected connection counters %+v", s)
	}
	if s.Frames != 2 || s.Unrecognized != 1 || s.BytesIn != 16 || s.BytesOut != 24 {
		t.Fatalf("unexpected frame counters %+v", s)
	}
	if s.Commands["93"] != 1 || s.Statuses["93|00"] != 1 || s.Disconnects["eof"] != 1 {
		t.Fatalf("unexpected keyed counters %+v", s)
	}
}

func TestTrackerConcurrentIncrements(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				tr.Observe(events.Event{Kind: events.CommandMatched, Command: "30", Status: "00"})
			}
		}()
	}
	wg.Wait()
	if got := tr.Snapshot().Commands["30"]; got != 4000 {
		t.Fatalf("expected 4000 increments, got %d", got)
	}
}

func TestSnapshotLines(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1200; i++ {
		tr.Observe(events.Event{Kind: events.CommandMatched, Command: "32", Status: "00"})
	}
	tr.Observe(events.Event{Kind: events.CommandMatched, Command: "30", Status: "00"})
	lines := tr.SnapshotLines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[2] != "Commands: 30=1, 32=1,200" {
		t.Fatalf("unexpected commands line %q", lines[2])
	}
	if !strings.HasPrefix(lines[0], "Connections: 0 total") {
		t.Fatalf("unexpected connections line %q", lines[0])
	}
}
