// Package session tracks the driver runs a serve-mode process is executing:
// which sessions are active, how to cancel them, and how many may run at
// once. It also hosts the heartbeat monitor that flags sessions abandoned by
// a dead process so a restart can resume them.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// Runner executes one session to a terminal status. *driver.Driver
// satisfies it.
type Runner interface {
	Run(ctx context.Context, sessionID, objective string) (*models.DriverResult, error)
}

// Errors returned by Manager.Start.
var (
	ErrCapacity       = errors.New("maximum active runs reached")
	ErrAlreadyRunning = errors.New("session already has an active run")
	ErrShuttingDown   = errors.New("manager is shutting down")
)

// Run is one in-flight driver execution owned by the manager.
type Run struct {
	SessionID string
	Objective string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *models.DriverResult
	err    error
}

// Done is closed once the run's goroutine has returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// Outcome returns the driver result and error. Valid after Done is closed;
// before that both are nil.
func (r *Run) Outcome() (*models.DriverResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Cancel interrupts the run. The driver persists progress on the way out, so
// the session stays resumable.
func (r *Run) Cancel() { r.cancel() }

func (r *Run) setOutcome(res *models.DriverResult, err error) {
	r.mu.Lock()
	r.result, r.err = res, err
	r.mu.Unlock()
}

// Info is a read-only snapshot of an active run.
type Info struct {
	SessionID string    `json:"sessionId"`
	Objective string    `json:"objective,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}
