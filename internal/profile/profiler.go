// Package profile records per-call timing events and persists them as JSON,
// one file per call plus a rolling latest.json for quick inspection on the
// gateway.
package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one timestamped marker within a call.
type Event struct {
	Name     string `json:"name"`
	OffsetMs int64  `json:"offset_ms"`
	Detail   string `json:"detail,omitempty"`
}

// report is the serialized form.
type report struct {
	CallID    string    `json:"call_id"`
	StartedAt time.Time `json:"started_at"`
	TotalMs   int64     `json:"total_ms"`
	Events    []Event   `json:"events"`
}

// Profiler collects events for a single call. Safe for concurrent use; every
// pipeline task marks its own milestones.
type Profiler struct {
	dir    string
	callID string
	start  time.Time
	log    *slog.Logger

	mu     sync.Mutex
	events []Event
}

// New starts a profiler for callID. dir may be empty, in which case Write is
// a no-op and only logging remains.
func New(dir, callID string, start time.Time, log *slog.Logger) *Profiler {
	return &Profiler{dir: dir, callID: callID, start: start, log: log}
}

// Mark records a named event at the current offset.
func (p *Profiler) Mark(name string) {
	p.MarkDetail(name, "")
}

// MarkDetail records a named event with a free-form detail string.
func (p *Profiler) MarkDetail(name, detail string) {
	offset := time.Since(p.start).Milliseconds()
	p.mu.Lock()
	p.events = append(p.events, Event{Name: name, OffsetMs: offset, Detail: detail})
	p.mu.Unlock()
	p.log.Debug("profile", "event", name, "offset_ms", offset, "detail", detail)
}

// Write persists the collected events to {dir}/{call_id}.json and refreshes
// latest.json. Called once at call end.
func (p *Profiler) Write() error {
	if p.dir == "" {
		return nil
	}

	p.mu.Lock()
	events := append([]Event(nil), p.events...)
	p.mu.Unlock()

	data, err := json.MarshalIndent(report{
		CallID:    p.callID,
		StartedAt: p.start.UTC(),
		TotalMs:   time.Since(p.start).Milliseconds(),
		Events:    events,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("profile: marshal report: %w", err)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("profile: create timing dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(p.dir, p.callID+".json"), data); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(p.dir, "latest.json"), data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".profile*")
	if err != nil {
		return fmt.Errorf("profile: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("profile: write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profile: close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("profile: publish report: %w", err)
	}
	return nil
}
