// Package buffer keeps a bounded history of recent session events for the
// admin surface. Each slot stores an atomic pointer so readers either see a
// complete record or the previous one, never a partially written structure.
package buffer

import (
	"sync/atomic"

	"atallasim/events"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 256

// Record is one retained event with its position in the stream.
type Record struct {
	Seq   uint64       `json:"seq"`
	Event events.Event `json:"event"`
}

// RingBuffer is a lock-free circular buffer of events. Writers publish a
// fully built Record in one atomic store; readers walk backwards from the
// newest sequence number.
type RingBuffer struct {
	slots    []atomic.Pointer[Record]
	capacity int
	total    atomic.Uint64
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		slots:    make([]atomic.Pointer[Record], capacity),
		capacity: capacity,
	}
}

// Observe appends ev, making the ring usable as an events.Observer.
func (rb *RingBuffer) Observe(ev events.Event) {
	seq := rb.total.Add(1)
	idx := (seq - 1) % uint64(rb.capacity)
	rb.slots[idx].Store(&Record{Seq: seq, Event: ev})
}

// Recent returns up to n records, newest first. The sequence check skips
// slots overwritten by a concurrent writer after wraparound.
func (rb *RingBuffer) Recent(n int) []Record {
	total := rb.total.Load()
	available := int(min(total, uint64(rb.capacity)))
	if n <= 0 || n > available {
		n = available
	}
	result := make([]Record, 0, n)
	minSeq := total - uint64(available)
	for seq := total; seq > minSeq && len(result) < n; seq-- {
		slot := (seq - 1) % uint64(rb.capacity)
		if rec := rb.slots[slot].Load(); rec != nil && rec.Seq == seq {
			result = append(result, *rec)
		}
	}
	return result
}

// Count returns the total number of events observed (may exceed capacity).
func (rb *RingBuffer) Count() uint64 {
	return rb.total.Load()
}

func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
