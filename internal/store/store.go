// Package store provides crash-safe engine snapshots using JSON files.
//
// The engine persists one snapshot file holding every non-terminal order,
// position, and cycle take-profit, plus session stats. Writes use atomic
// file replacement (write to .tmp, then rename) so a crash mid-save never
// leaves a corrupt file. On startup the engine loads the snapshot and
// reconciles it against the venue and the chain before trading resumes.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polyfade/pkg/types"
)

// Snapshot is the engine's persistent state.
type Snapshot struct {
	SavedAt   time.Time            `json:"saved_at"`
	Orders    []types.LadderOrder  `json:"orders"`
	Positions []types.FadePosition `json:"positions"`
	CycleTPs  []types.CycleTP      `json:"cycle_tps"`
	Stats     SessionStats         `json:"stats"`
	Cooldowns map[string]time.Time `json:"cooldowns,omitempty"` // tokenID → last shock time
}

// SessionStats carries cumulative performance counters across restarts.
type SessionStats struct {
	CyclesStarted    int     `json:"cycles_started"`
	CyclesWon        int     `json:"cycles_won"`
	CyclesLost       int     `json:"cycles_lost"`
	RealizedPnL      float64 `json:"realized_pnl"`
	TotalHoldSecs    float64 `json:"total_hold_secs"`
	FadeCaptureSum   float64 `json:"fade_capture_sum"` // cents recovered, summed
	ShocksDetected   int     `json:"shocks_detected"`
	ShocksFaded      int     `json:"shocks_faded"`
	ShocksSuppressed int     `json:"shocks_suppressed"`
}

// Store persists engine snapshots to a single JSON file.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open creates a store backed by a file inside dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "snapshot.json")}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Save atomically persists the snapshot. It writes to a .tmp file first,
// then renames over the target so the file is never partially written.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load restores the snapshot from disk.
// Returns nil, nil if no snapshot exists (fresh start).
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
