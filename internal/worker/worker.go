// Package worker runs webhook deliveries on a bounded pool of goroutines.
// Deliveries for the same repository and change request are serialized so two
// handlers never race on the same label set.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Job is one unit of work. Key serializes jobs: two jobs with the same
// non-empty key never run concurrently.
type Job struct {
	Key string
	Fn  func(ctx context.Context)
}

// Config holds the pool parameters.
type Config struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// Pool dispatches jobs to a fixed set of workers.
type Pool struct {
	workers int
	logger  *slog.Logger

	queue chan Job
	done  chan struct{}

	// jobsCtx is handed to every job and cancelled by Shutdown so blocked
	// jobs (rate-limit waits, subprocesses, retry sleeps) unwind.
	jobsCtx    context.Context
	cancelJobs context.CancelFunc

	mu sync.Mutex
	// active maps a running key to jobs queued behind it. A present key with
	// an empty slice means running with nothing pending.
	active map[string][]Job
	timers map[*time.Timer]struct{}

	wg       sync.WaitGroup
	timersWG sync.WaitGroup
}

// ErrShutdown is returned by Submit after Shutdown has begun.
var ErrShutdown = errors.New("worker pool is shut down")

// New creates a Pool and starts its workers.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	p := &Pool{
		workers:    workers,
		logger:     logger,
		queue:      make(chan Job, queueSize),
		done:       make(chan struct{}),
		jobsCtx:    jobsCtx,
		cancelJobs: cancelJobs,
		active:     make(map[string][]Job),
		timers:     make(map[*time.Timer]struct{}),
	}
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a job. It blocks when the queue is full and fails once
// Shutdown has begun.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.done:
		return ErrShutdown
	default:
	}
	select {
	case p.queue <- job:
		return nil
	case <-p.done:
		return ErrShutdown
	}
}

// SubmitAfter enqueues a job after the given delay. Pending delayed jobs are
// dropped on Shutdown.
func (p *Pool) SubmitAfter(delay time.Duration, job Job) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}

	p.timersWG.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer p.timersWG.Done()
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		if err := p.Submit(job); err != nil {
			p.logger.Warn("dropping delayed job", "key", job.Key, "error", err)
		}
	})
	p.timers[t] = struct{}{}
	p.mu.Unlock()
}

// Shutdown stops accepting jobs, cancels the context running jobs were
// handed, drains the queue, and waits for the workers, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return nil
	default:
		close(p.done)
	}
	for t := range p.timers {
		if t.Stop() {
			p.timersWG.Done()
		}
		delete(p.timers, t)
	}
	p.mu.Unlock()

	p.timersWG.Wait()
	p.cancelJobs()
	close(p.queue)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		if job.Key == "" {
			p.runJob(job)
			continue
		}
		if !p.claim(job) {
			// Parked behind the current holder; it will run the job.
			continue
		}
		for {
			p.runJob(job)
			next, ok := p.next(job.Key)
			if !ok {
				break
			}
			job = next
		}
	}
}

// claim marks the job's key as running. When the key is already held, the job
// is parked behind the holder instead and claim returns false.
func (p *Pool) claim(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pending, held := p.active[job.Key]; held {
		p.active[job.Key] = append(pending, job)
		return false
	}
	p.active[job.Key] = nil
	return true
}

// next pops the next parked job for key, releasing the key when none remain.
func (p *Pool) next(key string) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.active[key]
	if len(pending) == 0 {
		delete(p.active, key)
		return Job{}, false
	}
	job := pending[0]
	p.active[key] = pending[1:]
	return job, true
}

func (p *Pool) runJob(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "key", job.Key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job.Fn(p.jobsCtx)
}
