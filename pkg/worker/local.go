package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kkelly-offical/kkcode-sub002/pkg/agent"
	"github.com/kkelly-offical/kkcode-sub002/pkg/models"
)

// DefaultCapacity bounds concurrent workers when no capacity is configured.
const DefaultCapacity = 3

type workerState struct {
	taskID    string
	status    models.ResultStatus
	result    *models.TaskResult
	errMsg    string
	cancel    context.CancelFunc
	delivered bool
}

// LocalPool runs each worker as a goroutine in this process.
type LocalPool struct {
	agent    agent.Agent
	mu       sync.Mutex
	capacity int
	workers  map[string]*workerState
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewLocalPool(a agent.Agent, capacity int) *LocalPool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &LocalPool{
		agent:    a,
		capacity: capacity,
		workers:  make(map[string]*workerState),
		logger:   slog.Default().With("component", "worker_pool"),
	}
}

func (p *LocalPool) Launch(ctx context.Context, req agent.Request) (string, error) {
	p.mu.Lock()
	if p.activeLocked() >= p.capacity {
		p.mu.Unlock()
		return "", ErrAtCapacity
	}

	handle := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	p.workers[handle] = &workerState{
		taskID: req.TaskID,
		status: models.ResultRunning,
		cancel: cancel,
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(runCtx, handle, req)

	p.logger.Debug("Worker launched",
		"handle", handle,
		"task_id", req.TaskID,
		"attempt", req.Attempt)
	return handle, nil
}

func (p *LocalPool) run(ctx context.Context, handle string, req agent.Request) {
	defer p.wg.Done()

	result, err := p.agent.Run(ctx, req)

	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[handle]
	if !ok {
		return
	}
	switch {
	case err != nil:
		w.status = models.ResultError
		w.errMsg = err.Error()
	case result == nil:
		w.status = models.ResultError
		w.errMsg = "agent returned no result"
	default:
		w.result = result
		w.status = result.Status
		if w.status == "" || w.status == models.ResultRunning {
			w.status = models.ResultCompleted
		}
		w.errMsg = result.Error
	}
}

func (p *LocalPool) Poll(handle string) (*PollStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	st := &PollStatus{Status: w.status, Result: w.result, Err: w.errMsg}
	if w.status != models.ResultRunning {
		w.delivered = true
	}
	return st, nil
}

func (p *LocalPool) Cancel(handle string) {
	p.mu.Lock()
	w, ok := p.workers[handle]
	p.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Tick reaps workers whose terminal status has been observed via Poll and
// applies capacity changes.
func (p *LocalPool) Tick(cfg TickConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg.MaxParallel > 0 {
		p.capacity = cfg.MaxParallel
	}
	for handle, w := range p.workers {
		if w.delivered {
			w.cancel()
			delete(p.workers, handle)
		}
	}
}

// Health reports slot usage.
func (p *LocalPool) Health() *PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &PoolHealth{
		IsHealthy:     true,
		ActiveWorkers: p.activeLocked(),
		Capacity:      p.capacity,
	}
}

// Stop cancels every worker and waits for their goroutines to return.
func (p *LocalPool) Stop() {
	p.mu.Lock()
	for _, w := range p.workers {
		w.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *LocalPool) activeLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.status == models.ResultRunning {
			n++
		}
	}
	return n
}
