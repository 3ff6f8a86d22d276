package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

const (
	stateDirName  = ".kkcode"
	stateFileName = "longagent-state.json"
)

// StoreConfig configures a session state store.
type StoreConfig struct {
	// ProjectDir is the directory whose .kkcode subdirectory holds the state
	// file. Defaults to the working directory.
	ProjectDir string
	// LockTimeout bounds lock acquisition. Defaults to 5s.
	LockTimeout time.Duration
	// FileChangesLimit caps the per-session file-change history.
	FileChangesLimit int
	// LockWaitObserver, when set, receives the wait duration of every lock
	// acquisition. Used to feed the lock-wait metric.
	LockWaitObserver func(time.Duration)
}

// Store is the durable sessionId -> SessionState map. Every operation takes
// the file lock, so readers never observe a torn write and updates serialize
// across processes.
type Store struct {
	path    string
	lock    *FileLock
	limit   int
	observe func(time.Duration)
	logger  *slog.Logger

	// mu queues in-process callers so they do not contend on the file lock.
	mu sync.Mutex
}

// NewStore creates a store rooted at <projectDir>/.kkcode/longagent-state.json.
func NewStore(cfg StoreConfig) *Store {
	dir := cfg.ProjectDir
	if dir == "" {
		dir = "."
	}
	limit := cfg.FileChangesLimit
	if limit <= 0 {
		limit = models.DefaultFileChangesLimit
	}
	path := filepath.Join(dir, stateDirName, stateFileName)
	return &Store{
		path:    path,
		lock:    NewFileLock(path, cfg.LockTimeout),
		limit:   limit,
		observe: cfg.LockWaitObserver,
		logger:  slog.Default().With("component", "state.store"),
	}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Update merges the patch over the current state of the session (or a fresh
// default when the session is new), stamps UpdatedAt, persists, and returns
// the merged value.
func (s *Store) Update(ctx context.Context, sessionID string, patch models.SessionPatch) (*models.SessionState, error) {
	var out *models.SessionState
	err := s.locked(ctx, func() error {
		var err error
		out, err = s.applyPatch(sessionID, patch)
		return err
	})
	return out, err
}

// Get returns the session state, or nil when the session does not exist.
func (s *Store) Get(ctx context.Context, sessionID string) (*models.SessionState, error) {
	var out *models.SessionState
	err := s.locked(ctx, func() error {
		f, err := s.readFile()
		if err != nil {
			return err
		}
		out = f.Sessions[sessionID].Clone()
		return nil
	})
	return out, err
}

// List returns all sessions ordered by UpdatedAt descending.
func (s *Store) List(ctx context.Context) ([]*models.SessionState, error) {
	var out []*models.SessionState
	err := s.locked(ctx, func() error {
		f, err := s.readFile()
		if err != nil {
			return err
		}
		for _, st := range f.Sessions {
			out = append(out, st.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Stop sets the durable stop flag the driver polls each iteration.
func (s *Store) Stop(ctx context.Context, sessionID string) error {
	_, err := s.Update(ctx, sessionID, models.SessionPatch{StopRequested: models.Ptr(true)})
	return err
}

// ClearStop clears the stop flag.
func (s *Store) ClearStop(ctx context.Context, sessionID string) error {
	_, err := s.Update(ctx, sessionID, models.SessionPatch{StopRequested: models.Ptr(false)})
	return err
}

// Delete removes a session entirely. Deleting a missing session is a no-op.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.locked(ctx, func() error {
		f, err := s.readFile()
		if err != nil {
			return err
		}
		if _, ok := f.Sessions[sessionID]; !ok {
			return nil
		}
		delete(f.Sessions, sessionID)
		return s.writeFile(f)
	})
}

// Tx exposes store operations while the lock is already held by WithLock.
type Tx struct {
	s *Store
}

// Get reads a session inside the transaction.
func (tx *Tx) Get(sessionID string) (*models.SessionState, error) {
	f, err := tx.s.readFile()
	if err != nil {
		return nil, err
	}
	return f.Sessions[sessionID].Clone(), nil
}

// Update patches a session inside the transaction.
func (tx *Tx) Update(sessionID string, patch models.SessionPatch) (*models.SessionState, error) {
	return tx.s.applyPatch(sessionID, patch)
}

// WithLock runs fn while the store lock is held. Used around multi-step
// critical sections such as read-status-then-merge, where the decision must
// be consistent with concurrent writers.
func (s *Store) WithLock(ctx context.Context, fn func(tx *Tx) error) error {
	return s.locked(ctx, func() error { return fn(&Tx{s: s}) })
}

// Health verifies the state file parses and its entries are coherent.
func (s *Store) Health(ctx context.Context) error {
	return s.locked(ctx, func() error {
		f, err := s.readFile()
		if err != nil {
			return err
		}
		for id, st := range f.Sessions {
			if st == nil {
				return fmt.Errorf("session %s has a null entry", id)
			}
			if st.StageCount > 0 && st.StageIndex > st.StageCount {
				return fmt.Errorf("session %s: stageIndex %d exceeds stageCount %d",
					id, st.StageIndex, st.StageCount)
			}
		}
		return nil
	})
}

// ────────────────────────────────────────────────────────────────────────────
// Internals
// ────────────────────────────────────────────────────────────────────────────

func (s *Store) locked(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	if s.observe != nil {
		s.observe(time.Since(start))
	}
	defer s.lock.Release()
	return fn()
}

func (s *Store) applyPatch(sessionID string, patch models.SessionPatch) (*models.SessionState, error) {
	f, err := s.readFile()
	if err != nil {
		return nil, err
	}

	st := f.Sessions[sessionID]
	if st == nil {
		st = models.NewSessionState(sessionID)
	}
	st.SessionID = sessionID
	prev := st.UpdatedAt

	patch.Apply(st)
	if len(st.FileChanges) > s.limit {
		st.FileChanges = models.MergeFileChanges(nil, st.FileChanges, s.limit)
	}

	// Guard against equal clock readings on rapid successive updates:
	// UpdatedAt must be strictly monotonic per session.
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	st.UpdatedAt = now

	f.Sessions[sessionID] = st
	if err := s.writeFile(f); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

type stateFile struct {
	Sessions map[string]*models.SessionState `json:"sessions"`
}

func (s *Store) readFile() (*stateFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &stateFile{Sessions: make(map[string]*models.SessionState)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", s.path, err)
	}
	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	if f.Sessions == nil {
		f.Sessions = make(map[string]*models.SessionState)
	}
	return &f, nil
}

// writeFile truncates and rewrites the state file. Callers hold the lock.
func (s *Store) writeFile(f *stateFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file %s: %w", s.path, err)
	}
	return nil
}
