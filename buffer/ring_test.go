package buffer

import (
	"sync"
	"testing"

	"atallasim/events"
)

func TestRecentNewestFirst(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 1; i <= 3; i++ {
		rb.Observe(events.Event{Kind: events.FrameReceived, SessionID: uint64(i)})
	}
	got := rb.Recent(10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, rec := range got {
		want := uint64(3 - i)
		if rec.Seq != want || rec.Event.SessionID != want {
			t.Fatalf("record %d = %+v, want seq %d", i, rec, want)
		}
	}
}

func TestRecentAfterWrap(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 1; i <= 7; i++ {
		rb.Observe(events.Event{Kind: events.Connect, SessionID: uint64(i)})
	}
	got := rb.Recent(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want capacity", len(got))
	}
	if got[0].Seq != 7 || got[2].Seq != 5 {
		t.Fatalf("unexpected window: %+v", got)
	}
	if rb.Count() != 7 {
		t.Fatalf("count = %d", rb.Count())
	}
	if two := rb.Recent(2); len(two) != 2 || two[1].Seq != 6 {
		t.Fatalf("Recent(2) = %+v", two)
	}
}

func TestEmptyAndDefaultCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	if rb.Capacity() != DefaultCapacity {
		t.Fatalf("capacity = %d", rb.Capacity())
	}
	if got := rb.Recent(5); len(got) != 0 {
		t.Fatalf("expected empty history, got %d", len(got))
	}
}

func TestConcurrentObserve(t *testing.T) {
	rb := NewRingBuffer(64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Observe(events.Event{Kind: events.FrameReceived})
			}
		}()
	}
	wg.Wait()
	if rb.Count() != 800 {
		t.Fatalf("count = %d", rb.Count())
	}
	got := rb.Recent(0)
	if len(got) != 64 || got[0].Seq != 800 {
		t.Fatalf("unexpected tail: len=%d first=%d", len(got), got[0].Seq)
	}
}
