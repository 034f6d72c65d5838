// Package faults decides the two-digit status code each simulated command
// returns. Everything defaults to success ("00"); operators can inject other
// codes per command for negative testing, either from config or from a fault
// file that is reloaded while the simulator runs.
package faults

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// StatusOK is the success status of every simulated command.
const StatusOK = "00"

// Provider returns the status for a command code such as "93".
type Provider interface {
	Status(code string) string
}

// Static always returns the same status.
type Static string

func (s Static) Status(string) string { return string(s) }

// ValidStatus reports whether s is exactly two ASCII digits.
func ValidStatus(s string) bool {
	return len(s) == 2 && s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

// NormalizeCode accepts "93", "<93#" or "<93" and returns "93".
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.TrimPrefix(code, "<")
	code = strings.TrimSuffix(code, "#")
	return strings.ToUpper(code)
}

// Table is a Provider whose contents can be swapped at runtime.
type Table struct {
	mu         sync.RWMutex
	defaultSts string
	byCode     map[string]string
}

// NewTable validates and installs the initial statuses. An empty default
// means StatusOK.
func NewTable(defaultStatus string, overrides map[string]string) (*Table, error) {
	t := &Table{}
	if err := t.Replace(defaultStatus, overrides); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) Status(code string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if sts, ok := t.byCode[NormalizeCode(code)]; ok {
		return sts
	}
	return t.defaultSts
}

// Replace swaps the whole table atomically. On error the previous contents
// stay in effect.
func (t *Table) Replace(defaultStatus string, overrides map[string]string) error {
	defaultStatus = strings.TrimSpace(defaultStatus)
	if defaultStatus == "" {
		defaultStatus = StatusOK
	}
	if !ValidStatus(defaultStatus) {
		return fmt.Errorf("default status %q is not two digits", defaultStatus)
	}
	next := make(map[string]string, len(overrides))
	for code, sts := range overrides {
		sts = strings.TrimSpace(sts)
		if !ValidStatus(sts) {
			return fmt.Errorf("status %q for command %q is not two digits", sts, code)
		}
		next[NormalizeCode(code)] = sts
	}
	t.mu.Lock()
	t.defaultSts = defaultStatus
	t.byCode = next
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current contents.
func (t *Table) Snapshot() (string, map[string]string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.byCode))
	for k, v := range t.byCode {
		out[k] = v
	}
	return t.defaultSts, out
}

// File is the on-disk fault file layout.
type File struct {
	Default  string            `yaml:"default"`
	Commands map[string]string `yaml:"commands"`
}

// LoadFile parses a fault file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read fault file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse fault file %s: %w", path, err)
	}
	return f, nil
}

// Apply loads path and installs it into t.
func (t *Table) Apply(path string) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	return t.Replace(f.Default, f.Commands)
}
