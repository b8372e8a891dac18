// Package workers provides a bounded worker pool for concurrent operations in
// reachscan. It supports blocking job submission, rate limiting, a per-worker
// pause between jobs, graceful shutdown, and integrates with the structured
// logging and metrics systems.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/reachscan/internal/logging"
	"github.com/anstrom/reachscan/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Shutdown has been called.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs waiting for a worker.
	QueueSize int
	// RateLimit is the maximum number of jobs started per second (0 = no limit).
	RateLimit int
	// Pause is how long a worker waits after finishing a job.
	Pause time.Duration
	// ShutdownTimeout bounds how long Shutdown waits for queued jobs (0 = no bound).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            100,
		QueueSize:       200,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Completed uint64
	Failed    uint64
	Skipped   uint64
}

// Pool manages a fixed set of worker goroutines.
type Pool struct {
	config  Config
	jobs    chan Job
	limiter *rate.Limiter
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	stopOnce  sync.Once

	completed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// New creates a new worker pool with the given configuration.
func New(config Config) *Pool {
	if config.Size < 1 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	pool := &Pool{
		config: config,
		jobs:   make(chan Job, config.QueueSize),
	}

	if config.RateLimit > 0 {
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return pool
}

// Start launches the workers. Jobs run under a context derived from ctx, so
// cancelling ctx stops in-flight work.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)

		logging.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}

		metrics.GetGlobalMetrics().SetWorkerPoolSize(p.config.Size)
	})
}

// Submit queues a job, blocking while the queue is full. It returns early
// if ctx is done or the pool is shut down.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.ctx == nil {
		return errors.New("worker pool not started")
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting jobs and waits for queued jobs to finish. If the
// shutdown timeout elapses first, in-flight jobs are cancelled.
func (p *Pool) Shutdown() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()

		if p.ctx == nil {
			return
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		if p.config.ShutdownTimeout > 0 {
			timer := time.NewTimer(p.config.ShutdownTimeout)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				logging.Warn("Worker pool shutdown timeout, cancelling in-flight jobs")
				p.cancel()
				<-done
			}
		} else {
			<-done
		}
		p.cancel()

		logging.Debug("Worker pool stopped",
			"completed", p.completed.Load(),
			"failed", p.failed.Load(),
			"skipped", p.skipped.Load())
	})
	return nil
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		// Drain without executing once cancelled.
		if p.ctx.Err() != nil {
			p.skipped.Add(1)
			continue
		}
		p.execute(id, job)

		if p.config.Pause > 0 {
			timer := time.NewTimer(p.config.Pause)
			select {
			case <-timer.C:
			case <-p.ctx.Done():
				timer.Stop()
			}
		}
	}
}

func (p *Pool) execute(id int, job Job) {
	recorder := metrics.GetGlobalMetrics()

	if err := job.Execute(p.ctx); err != nil {
		p.failed.Add(1)
		recorder.IncrementWorkerJobs(job.Type(), "error")
		logging.Debug("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"worker_id", id,
			"error", err)
		return
	}

	p.completed.Add(1)
	recorder.IncrementWorkerJobs(job.Type(), "success")
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job that runs fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
