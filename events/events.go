// Package events carries session lifecycle notifications from the protocol
// engine to whoever wants them: the log, the stats tracker, an MQTT tap.
package events

import (
	"time"

	"github.com/zeebo/xxh3"
)

// Kind names a lifecycle point.
type Kind string

const (
	Connect        Kind = "connect"
	FrameReceived  Kind = "frame"
	CommandMatched Kind = "matched"
	Unrecognized   Kind = "unrecognized"
	ResponseSent   Kind = "response"
	Disconnect     Kind = "disconnect"
	Rejected       Kind = "rejected"
)

// Event is one lifecycle notification. Frame contents are never carried;
// Fingerprint identifies a frame without exposing PIN material.
type Event struct {
	Kind        Kind      `json:"kind"`
	Time        time.Time `json:"time"`
	SessionID   uint64    `json:"session"`
	Remote      string    `json:"remote,omitempty"`
	FrameLen    int       `json:"frame_len,omitempty"`
	Fingerprint uint64    `json:"fingerprint,omitempty"`
	Command     string    `json:"command,omitempty"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status,omitempty"`
	Suggestion  string    `json:"suggestion,omitempty"`
	ResponseLen int       `json:"response_len,omitempty"`
	Exchanges   int       `json:"exchanges,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Err         string    `json:"error,omitempty"`
}

// Observer receives events. Implementations are called from session
// goroutines concurrently and must not block for long.
type Observer interface {
	Observe(Event)
}

// Func adapts a function to Observer.
type Func func(Event)

func (f Func) Observe(ev Event) { f(ev) }

// Nop discards events.
type Nop struct{}

func (Nop) Observe(Event) {}

// Multi fans an event out to every member in order.
type Multi []Observer

func (m Multi) Observe(ev Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(ev)
		}
	}
}

// Fingerprint is a stable 64-bit digest of a frame.
func Fingerprint(raw []byte) uint64 {
	return xxh3.Hash(raw)
}
