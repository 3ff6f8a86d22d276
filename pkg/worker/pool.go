// Package worker runs agent turns as bounded background workers addressed by
// opaque handles. The scheduler launches, polls and reaps them without ever
// blocking on an individual turn.
package worker

import (
	"context"
	"errors"

	"github.com/kkelly-offical/kkcode-sub002/pkg/agent"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

var (
	// ErrUnknownHandle is returned when polling a handle that was never
	// launched or was already reaped.
	ErrUnknownHandle = errors.New("unknown worker handle")
	// ErrAtCapacity is returned when every worker slot is busy.
	ErrAtCapacity = errors.New("worker pool at capacity")
)

// PollStatus is a snapshot of one worker. Result is nil until the worker
// reaches a terminal status.
type PollStatus struct {
	Status models.ResultStatus
	Result *models.TaskResult
	Err    string
}

// TickConfig tunes the pool between scheduler iterations.
type TickConfig struct {
	// MaxParallel raises or lowers the launch capacity; zero keeps the
	// current value.
	MaxParallel int
}

// Pool is the scheduler's view of background task execution.
type Pool interface {
	// Launch starts an agent turn and returns its handle.
	Launch(ctx context.Context, req agent.Request) (string, error)
	// Poll reports the worker's current status; the first poll that
	// observes a terminal status marks the worker reapable.
	Poll(handle string) (*PollStatus, error)
	// Cancel interrupts a running worker. Unknown handles are ignored.
	Cancel(handle string)
	// Tick reaps delivered workers and applies config changes.
	Tick(cfg TickConfig)
}

// PoolHealth summarizes pool state for the health endpoint.
type PoolHealth struct {
	IsHealthy     bool `json:"isHealthy"`
	ActiveWorkers int  `json:"activeWorkers"`
	Capacity      int  `json:"capacity"`
}
