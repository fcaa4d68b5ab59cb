// Package statusexport periodically dumps an Analysis's current
// per-image-set status tally to disk, adapted from the teacher's
// internal/snapshot package. Unlike that snapshot manager, this dump is
// never loaded back in: spec.md's Non-goals exclude durable state
// surviving a runner restart, so this is a read side-channel only — a
// dashboard or operator can tail the file without calling back into the
// running Analysis.
package statusexport

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/analysis-runner/pkg/types"
)

// Snapshot is the exported shape: one run's status tally plus when it
// was taken.
type Snapshot struct {
	RunID     string             `json:"run_id"`
	Counts    types.StatusCounts `json:"counts"`
	Cancelled bool               `json:"cancelled"`
	ExportedAt int64             `json:"exported_at"`
}

// Exporter atomically writes Snapshots to a fixed path: write to a temp
// file, then rename over the destination, so a reader never observes a
// partially-written file (same atomic-write pattern as the teacher's
// snapshot manager).
type Exporter struct {
	path string
	mu   sync.Mutex
}

// New constructs an Exporter writing to path.
func New(path string) *Exporter {
	return &Exporter{path: path}
}

// Write persists one Snapshot, overwriting whatever was there before.
func (e *Exporter) Write(s Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("statusexport: marshal: %w", err)
	}

	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("statusexport: write temp file: %w", err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("statusexport: rename: %w", err)
	}
	return nil
}

// Run periodically calls poll for the current counts and writes a
// Snapshot, until stop is closed. Intended to run as its own goroutine
// alongside the controller for the lifetime of one Analysis.
func (e *Exporter) Run(interval time.Duration, runID string, poll func() (types.StatusCounts, bool), stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			counts, cancelled := poll()
			// Best-effort side channel; a failed export never affects the run.
			_ = e.Write(Snapshot{RunID: runID, Counts: counts, Cancelled: cancelled, ExportedAt: time.Now().UnixMilli()})
		}
	}
}
