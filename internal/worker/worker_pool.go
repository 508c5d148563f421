// ============================================================================
// agentfleet worker pool - concurrent job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: own the lifecycle of N Worker goroutines and fan jobs out to them.
//
// Layout:
//   ┌─────────────┐
//   │  Runtime    │ --Submit()--> jobCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 0│←── jobCh
//   │  │Worker 1│←── jobCh   ──→ resultCh
//   │  │Worker 2│←── jobCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   NewPool -> Start(n) -> Submit / ReceiveResult ... -> Stop
//
// Stop:
//   1. mark stopped, close stopCh (wakes blocked Submit calls)
//   2. wait for in-flight Submit calls to leave, close jobCh
//   3. workers finish running and buffered jobs, hand over their results
//   4. close resultCh; ReceiveResult returns ErrPoolClosed after the last one
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrPoolClosed is returned once Stop has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool runs jobs on a fixed set of worker goroutines.
type Pool struct {
	exec     Executor
	log      *slog.Logger
	workers  []*Worker
	jobCh    chan Job
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// sendMu is held shared by Submit while it may write to jobCh and
	// exclusively by Stop while closing it.
	sendMu sync.RWMutex

	mu      sync.Mutex // guards started and stopped
	started bool
	stopped bool
}

// NewPool creates a pool whose job and result channels hold bufferSize
// entries. A nil logger falls back to slog.Default.
func NewPool(bufferSize int, exec Executor, logger *slog.Logger) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		exec:     exec,
		log:      logger.With("component", "worker-pool"),
		jobCh:    make(chan Job, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount goroutines.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.jobCh, p.resultCh, p.log)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	p.started = true
	return nil
}

// Submit queues a job. It blocks while the buffer is full and returns
// ErrPoolClosed if the pool stops meanwhile.
func (p *Pool) Submit(job Job) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPoolClosed
	}
	if !started {
		return ErrPoolNotStarted
	}

	select {
	case p.jobCh <- job:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next result. Jobs still running when Stop is
// called deliver theirs too; ErrPoolClosed follows the last one.
func (p *Pool) ReceiveResult() (Result, error) {
	r, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return r, nil
}

// Stop closes the pool and waits for every worker to exit. Jobs already
// buffered still run, so results beyond the buffer size must be received
// concurrently. Calling Stop more than once is a no-op.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.sendMu.Lock()
	close(p.jobCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded and Stop has not run.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}
