// Package state provides the durable session store: a JSON file keyed by
// session id, guarded by a PID-aware advisory file lock so multiple processes
// can share it safely.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLockTimeout indicates the lock could not be acquired within the
// configured timeout. Callers treat it as fatal for the current attempt.
var ErrLockTimeout = errors.New("state lock acquisition timed out")

const (
	lockSuffix          = ".lock"
	lockBackoffInitial  = 50 * time.Millisecond
	lockBackoffMax      = 500 * time.Millisecond
	lockBackoffFactor   = 2
	lockStaleMtimeShare = 0.8
	defaultLockTimeout  = 5 * time.Second
)

// FileLock is an advisory cross-process lock implemented as a sibling file of
// the protected path. The file holds "pid:unix-millis"; absence means
// unlocked. A holder that died or stopped refreshing is detected as stale and
// evicted by the next acquirer.
type FileLock struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFileLock creates a lock guarding the given state path.
func NewFileLock(statePath string, timeout time.Duration) *FileLock {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &FileLock{
		path:    statePath + lockSuffix,
		timeout: timeout,
		logger:  slog.Default().With("component", "state.lock"),
	}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Acquire takes the lock, retrying with exponential backoff while another
// live holder exists. Stale locks (dead PID, or mtime older than 0.8x the
// timeout) are removed and retried immediately. Fails with ErrLockTimeout
// once the timeout budget is spent.
func (l *FileLock) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = lockBackoffInitial
	bo.Multiplier = lockBackoffFactor
	bo.MaxInterval = lockBackoffMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		acquired, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if l.removeIfStale() {
			continue
		}

		wait := bo.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("%w after %s: %s", ErrLockTimeout, l.timeout, l.path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire creates the lock file exclusively. Returns (false, nil) when the
// lock is already held.
func (l *FileLock) tryAcquire() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("creating lock file %s: %w", l.path, err)
	}
	_, werr := fmt.Fprintf(f, "%d:%d", os.Getpid(), time.Now().UnixMilli())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("writing lock file %s: %w", l.path, errors.Join(werr, cerr))
	}
	return true, nil
}

// removeIfStale evicts a lock whose holder is provably gone. Returns true
// when the caller should retry immediately.
func (l *FileLock) removeIfStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		// Holder released between our attempt and this check.
		return os.IsNotExist(err)
	}

	if pid, ok := parseLockPID(string(data)); ok && !PIDAlive(pid) {
		l.logger.Warn("Removing lock held by dead process", "pid", pid, "lock", l.path)
		_ = os.Remove(l.path)
		return true
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return os.IsNotExist(err)
	}
	staleAfter := time.Duration(float64(l.timeout) * lockStaleMtimeShare)
	if age := time.Since(info.ModTime()); age > staleAfter {
		l.logger.Warn("Removing stale lock", "age", age, "lock", l.path)
		_ = os.Remove(l.path)
		return true
	}
	return false
}

// Release removes the lock file. Never faults if it is already gone.
func (l *FileLock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("Failed to remove lock file", "lock", l.path, "error", err)
	}
}

func parseLockPID(content string) (int, bool) {
	pidStr, _, found := strings.Cut(strings.TrimSpace(content), ":")
	if !found {
		return 0, false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, false
	}
	return pid, true
}

// PIDAlive reports whether a process with the given pid exists on this host.
// Best-effort: permission errors count as alive, and locks written by
// processes on other hosts are never treated as dead by this check.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false
	}
	return true
}
