// Package checkpoint stores named, self-contained session snapshots under
// <checkpoint-root>/<sessionId>/<name>.json with atomic writes.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// ErrInvalidName rejects checkpoint names that could escape the session
// directory or collide with temp files.
var ErrInvalidName = errors.New("invalid checkpoint name")

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// CleanupOptions bounds how many checkpoints survive a cleanup pass.
type CleanupOptions struct {
	// MaxKeep is the number of newest records (by SavedAt) to retain.
	MaxKeep int
	// KeepStageCheckpoints exempts records named stage_* from pruning.
	KeepStageCheckpoints bool
}

// Store is the checkpoint store. Writes are atomic (write-temp-then-rename)
// and independent of the session state lock.
type Store struct {
	baseDir string
	logger  *slog.Logger
}

// NewStore creates a checkpoint store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		logger:  slog.Default().With("component", "checkpoint.store"),
	}
}

// BaseDir returns the checkpoint root directory.
func (s *Store) BaseDir() string { return s.baseDir }

// Save writes the record as <name>.json in the session's directory. An empty
// name defaults to "latest". SavedAt is stamped with the current time.
func (s *Store) Save(ctx context.Context, sessionID string, rec *models.CheckpointRecord) error {
	if rec.Name == "" {
		rec.Name = models.CheckpointLatest
	}
	if !nameRe.MatchString(rec.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, rec.Name)
	}
	rec.SessionID = sessionID
	rec.SavedAt = time.Now().UTC()

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", rec.Name, err)
	}

	tmp, err := os.CreateTemp(dir, rec.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing checkpoint %s: %w", rec.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, rec.Name+".json")); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming checkpoint %s: %w", rec.Name, err)
	}
	return nil
}

// Load reads a checkpoint by name ("latest" when empty). Returns nil without
// an error when the checkpoint does not exist.
func (s *Store) Load(ctx context.Context, sessionID, name string) (*models.CheckpointRecord, error) {
	if name == "" {
		name = models.CheckpointLatest
	}
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), name+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", name, err)
	}
	var rec models.CheckpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", name, err)
	}
	return &rec, nil
}

// List returns the session's checkpoints ordered by SavedAt descending.
func (s *Store) List(ctx context.Context, sessionID string) ([]*models.CheckpointRecord, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", sessionID, err)
	}

	var records []*models.CheckpointRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".json")]
		rec, err := s.Load(ctx, sessionID, name)
		if err != nil {
			s.logger.Warn("Skipping unreadable checkpoint", "session_id", sessionID, "name", name, "error", err)
			continue
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SavedAt.After(records[j].SavedAt) })
	return records, nil
}

// Cleanup prunes old checkpoints, keeping the newest MaxKeep by SavedAt.
// Stage checkpoints are exempt when KeepStageCheckpoints is set. Returns the
// number of records removed.
func (s *Store) Cleanup(ctx context.Context, sessionID string, opts CleanupOptions) (int, error) {
	if opts.MaxKeep < 0 {
		opts.MaxKeep = 0
	}
	records, err := s.List(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	removed := 0
	kept := 0
	for _, rec := range records {
		if opts.KeepStageCheckpoints && rec.IsStageCheckpoint() {
			continue
		}
		if kept < opts.MaxKeep {
			kept++
			continue
		}
		path := filepath.Join(s.sessionDir(sessionID), rec.Name+".json")
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to prune checkpoint", "session_id", sessionID, "name", rec.Name, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// RemoveSession deletes the session's entire checkpoint directory.
func (s *Store) RemoveSession(ctx context.Context, sessionID string) error {
	if sessionID == "" || !nameRe.MatchString(sessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidName, sessionID)
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("removing checkpoints for %s: %w", sessionID, err)
	}
	return nil
}

// Sessions returns the session ids that currently have checkpoint
// directories. Used by the retention service to find orphans.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing checkpoint root %s: %w", s.baseDir, err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}
