package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SyncState records how far a sync pass has advanced. Owned exclusively by
// the sync orchestrator: read at start, written once on success.
type SyncState struct {
	LastSyncedTo time.Time `json:"last_synced_to"`
	AppliedHash  string    `json:"applied_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BackfillCheckpoint marks backfill progress so an interrupted run resumes
// at the next chunk instead of restarting.
type BackfillCheckpoint struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Cursor    time.Time `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// defaultStateDir returns the per-user state directory, creating it if needed.
func defaultStateDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".config", "octopus-tado-rates")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// LoadSyncState reads the state file. A missing file is a fresh start;
// anything unreadable is corruption and needs manual intervention.
func LoadSyncState(path string) (*SyncState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &SyncState{}, nil
	}
	if err != nil {
		return nil, &StateCorruptionError{Path: path, Err: err}
	}

	var state SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &StateCorruptionError{Path: path, Err: err}
	}
	return &state, nil
}

func (s *SyncState) Save(path string) error {
	s.UpdatedAt = time.Now().UTC()
	return marshalAtomic(path, s)
}

// LoadCheckpoint reads a backfill checkpoint. Missing means no prior run;
// a checkpoint for a different range is ignored.
func LoadCheckpoint(path string, start, end time.Time) (*BackfillCheckpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &StateCorruptionError{Path: path, Err: err}
	}

	var cp BackfillCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &StateCorruptionError{Path: path, Err: err}
	}
	if !cp.Start.Equal(start) || !cp.End.Equal(end) {
		return nil, nil
	}
	return &cp, nil
}

func (c *BackfillCheckpoint) Save(path string) error {
	c.UpdatedAt = time.Now().UTC()
	return marshalAtomic(path, c)
}

// RemoveCheckpoint clears the checkpoint once a backfill completes.
func RemoveCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// marshalAtomic writes JSON via write-temp-then-rename so a crash never
// leaves a half-written file behind.
func marshalAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// windowHash is a content hash over the canonical form of a window, used to
// detect whether the last applied window still matches.
func windowHash(w TariffWindow) string {
	hash := sha256.New()
	for _, r := range w.Records {
		fmt.Fprintf(hash, "%s|%s|%s|%s|%t\n",
			r.ValidFrom.UTC().Format(time.RFC3339),
			r.ValidTo.UTC().Format(time.RFC3339),
			normalisePrice(r.UnitPrice).String(),
			r.Currency,
			r.Stale)
	}
	return hex.EncodeToString(hash.Sum(nil))
}
