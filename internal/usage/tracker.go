// Package usage tracks per-client request volume across restarts.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry accumulates activity for one API key.
type Entry struct {
	Requests         int       `json:"requests"`
	JobsSubmitted    int       `json:"jobs_submitted"`
	TargetsSubmitted int       `json:"targets_submitted"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
}

// Report is the usage summary returned to operators.
type Report struct {
	Clients map[string]Entry `json:"clients"`
}

// Tracker counts requests per API key and persists the counters to a
// JSON file so totals survive restarts. An empty path keeps the
// counters in memory only.
type Tracker struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
}

// New creates a Tracker, loading any previously persisted counters.
func New(path string) (*Tracker, error) {
	t := &Tracker{
		path:    path,
		entries: map[string]*Entry{},
	}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read usage file: %w", err)
	}
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return nil, fmt.Errorf("parse usage file: %w", err)
	}
	return t, nil
}

// RecordRequest counts one API call for the key.
func (t *Tracker) RecordRequest(key string) {
	t.record(key, func(e *Entry) {
		e.Requests++
	})
}

// RecordSubmission counts a job submission with its target count.
func (t *Tracker) RecordSubmission(key string, targets int) {
	t.record(key, func(e *Entry) {
		e.Requests++
		e.JobsSubmitted++
		e.TargetsSubmitted += targets
	})
}

func (t *Tracker) record(key string, update func(*Entry)) {
	if key == "" {
		key = "anonymous"
	}
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		entry = &Entry{FirstSeen: now}
		t.entries[key] = entry
	}
	update(entry)
	entry.LastSeen = now
	t.persistLocked()
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := Report{Clients: make(map[string]Entry, len(t.entries))}
	for key, entry := range t.entries {
		report.Clients[key] = *entry
	}
	return report
}

// persistLocked writes the counters out via a temp-file rename.
// Callers hold the mutex.
func (t *Tracker) persistLocked() {
	if t.path == "" {
		return
	}
	data, err := json.MarshalIndent(t.entries, "", "  ")
	if err != nil {
		return
	}
	tmp := t.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(t.path), 0o750); err != nil {
		return
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, t.path)
}
