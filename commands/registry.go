package commands

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// MatchMode controls how a frame is tested against command keys.
type MatchMode string

const (
	// MatchSubstring selects the first entry whose key occurs anywhere in the
	// frame. A payload that happens to contain another command's key can
	// therefore win if that entry is registered earlier.
	MatchSubstring MatchMode = "substring"
	// MatchPrefix selects the entry whose key starts the frame, ignoring
	// leading whitespace.
	MatchPrefix MatchMode = "prefix"
)

// ParseMatchMode maps a config token to a MatchMode.
func ParseMatchMode(value string) (MatchMode, error) {
	switch m := MatchMode(strings.ToLower(strings.TrimSpace(value))); m {
	case MatchSubstring, MatchPrefix:
		return m, nil
	case "":
		return MatchSubstring, nil
	default:
		return "", fmt.Errorf("unknown match mode %q (want substring or prefix)", value)
	}
}

// Generator builds the reply for a recognized frame.
type Generator func(text string) (Response, error)

// Entry pairs a command key with its reply generator. Entries are immutable
// once the registry is built.
type Entry struct {
	Key      string // literal that identifies the command, e.g. "<93#"
	Code     string // bare command code, e.g. "93"
	Name     string
	Header   string // reply header, e.g. "<A3#"
	Generate Generator
}

// Registry is an ordered, read-only command table. Lookups are first match
// wins in registration order.
type Registry struct {
	entries []Entry
	mode    MatchMode
}

func NewRegistry(mode MatchMode, entries ...Entry) *Registry {
	if mode == "" {
		mode = MatchSubstring
	}
	copied := make([]Entry, len(entries))
	copy(copied, entries)
	return &Registry{entries: copied, mode: mode}
}

// Match returns the first entry whose key matches text.
func (r *Registry) Match(text string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	if r.mode == MatchPrefix {
		text = strings.TrimLeft(text, " \t\r\n")
		for _, e := range r.entries {
			if strings.HasPrefix(text, e.Key) {
				return e, true
			}
		}
		return Entry{}, false
	}
	for _, e := range r.entries {
		if strings.Contains(text, e.Key) {
			return e, true
		}
	}
	return Entry{}, false
}

// Suggest returns the registered key one edit away from the frame's leading
// "<CODE#" token, for clients that fat-fingered a command code.
func (r *Registry) Suggest(text string) (string, bool) {
	token := leadingToken(text)
	if r == nil || token == "" {
		return "", false
	}
	best, bestDist := "", 2
	for _, e := range r.entries {
		if d := levenshtein.ComputeDistance(token, e.Key); d < bestDist {
			best, bestDist = e.Key, d
		}
	}
	return best, best != ""
}

// Entries returns a copy of the table in match order.
func (r *Registry) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Mode() MatchMode {
	if r == nil {
		return MatchSubstring
	}
	return r.mode
}

// leadingToken extracts "<CODE#" from the start of a frame.
func leadingToken(text string) string {
	start := strings.IndexByte(text, '<')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(text[start:], '#')
	if end < 0 || end > 8 {
		return ""
	}
	return text[start : start+end+1]
}
