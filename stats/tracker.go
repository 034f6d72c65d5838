// Package stats counts simulator traffic for the periodic console summary
// and the admin status endpoint.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"atallasim/events"

	"github.com/dustin/go-humanize"
)

// Tracker tracks connection and command counters. It implements
// events.Observer so the server can feed it directly.
type Tracker struct {
	// keyed counters live in sync.Map + atomic.Uint64 so per-frame increments
	// from many sessions don't fight over a mutex
	commandCounts    sync.Map // code -> *atomic.Uint64
	statusCounts     sync.Map // "code|status" -> *atomic.Uint64
	disconnectCounts sync.Map // reason -> *atomic.Uint64
	start            atomic.Int64
	connections      atomic.Uint64
	active           atomic.Int64
	rejected         atomic.Uint64
	frames           atomic.Uint64
	unrecognized     atomic.Uint64
	bytesIn          atomic.Uint64
	bytesOut         atomic.Uint64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// Observe updates counters from a session lifecycle event.
func (t *Tracker) Observe(ev events.Event) {
	switch ev.Kind {
	case events.Connect:
		t.connections.Add(1)
		t.active.Add(1)
	case events.Disconnect:
		t.active.Add(-1)
		incrementCounter(&t.disconnectCounts, ev.Reason)
	case events.Rejected:
		t.rejected.Add(1)
	case events.FrameReceived:
		t.frames.Add(1)
		t.bytesIn.Add(uint64(ev.FrameLen))
	case events.CommandMatched:
		incrementCounter(&t.commandCounts, ev.Command)
		incrementCounter(&t.statusCounts, ev.Command+"|"+ev.Status)
	case events.Unrecognized:
		t.unrecognized.Add(1)
	case events.ResponseSent:
		t.bytesOut.Add(uint64(ev.ResponseLen))
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime        time.Duration     `json:"-"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connections   uint64            `json:"connections_total"`
	Active        int64             `json:"connections_active"`
	Rejected      uint64            `json:"connections_rejected"`
	Frames        uint64            `json:"frames"`
	Unrecognized  uint64            `json:"unrecognized"`
	BytesIn       uint64            `json:"bytes_in"`
	BytesOut      uint64            `json:"bytes_out"`
	Commands      map[string]uint64 `json:"commands"`
	Statuses      map[string]uint64 `json:"statuses"`
	Disconnects   map[string]uint64 `json:"disconnects"`
}

func (t *Tracker) Snapshot() Snapshot {
	uptime := t.GetUptime()
	return Snapshot{
		Uptime:        uptime,
		UptimeSeconds: int64(uptime / time.Second),
		Connections:   t.connections.Load(),
		Active:        t.active.Load(),
		Rejected:      t.rejected.Load(),
		Frames:        t.frames.Load(),
		Unrecognized:  t.unrecognized.Load(),
		BytesIn:       t.bytesIn.Load(),
		BytesOut:      t.bytesOut.Load(),
		Commands:      copyCounts(&t.commandCounts),
		Statuses:      copyCounts(&t.statusCounts),
		Disconnects:   copyCounts(&t.disconnectCounts),
	}
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	s := t.Snapshot()
	return []string{
		fmt.Sprintf("Connections: %s total, %s active, %s rejected (uptime %s)",
			humanize.Comma(int64(s.Connections)), humanize.Comma(s.Active),
			humanize.Comma(int64(s.Rejected)), s.Uptime.Truncate(time.Second)),
		fmt.Sprintf("Frames: %s (%s unrecognized), %s in / %s out",
			humanize.Comma(int64(s.Frames)), humanize.Comma(int64(s.Unrecognized)),
			humanize.Bytes(s.BytesIn), humanize.Bytes(s.BytesOut)),
		formatCounts("Commands", s.Commands),
	}
}

func formatCounts(label string, counts map[string]uint64) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(counts) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(counts[k])))
	}
	return builder.String()
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
