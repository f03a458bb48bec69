// Package queue runs trigger and geocode work on a bounded worker pool so
// state-change handling never waits on vendor I/O.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"person_location/internal/logging"
	"person_location/internal/metrics"
)

// Job is one unit of work. Source labels metrics, e.g. "trigger" or "geocode".
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes current queue metrics.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"worker_count"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue is a bounded job queue with a fixed worker pool.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	started     bool
	stopped     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	processed   uint64
	failed      uint64
}

// New creates a Queue with the given capacity, worker count and per-job timeout.
func New(capacity, workerCount int, timeout time.Duration) *Queue {
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue queues a job without blocking. It returns false when the queue is
// full, stopped or not started.
func (q *Queue) Enqueue(j Job) bool {
	return q.tryEnqueue(j, true)
}

// EnqueueWithRetry keeps trying for window. It returns (enqueued, droppedFull).
func (q *Queue) EnqueueWithRetry(ctx context.Context, j Job, window time.Duration, interval time.Duration) (bool, bool) {
	deadline := time.Now().Add(window)
	if q.tryEnqueue(j, false) {
		return true, false
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, false
		case <-time.After(interval):
			if q.tryEnqueue(j, false) {
				return true, false
			}
		}
	}
	logging.Warn().Str("job", j.ID).Str("source", j.Source).Msg("job queue still full after retry window")
	return false, true
}

func (q *Queue) tryEnqueue(j Job, logDrop bool) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.stopped {
		if logDrop {
			logging.Warn().Str("job", j.ID).Msg("enqueue called while queue not running")
		}
		return false
	}
	select {
	case q.jobs <- j:
		metrics.QueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		if logDrop {
			logging.Warn().Str("job", j.ID).Str("source", j.Source).Msg("job queue full, dropping job")
		}
		return false
	}
}

// Stop stops accepting jobs and waits for workers to drain until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats returns current queue metrics.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logging.Error().Str("job", j.ID).Str("source", j.Source).Interface("panic", r).Msg("job panic recovered")
		}
		atomic.AddUint64(&q.processed, 1)
		if err != nil {
			atomic.AddUint64(&q.failed, 1)
			metrics.IncFailed(j.Source)
		} else {
			metrics.IncSucceeded(j.Source)
		}
		logging.Debug().
			Str("job_source", j.Source).
			Str("job", j.ID).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			AnErr("error", err).
			Msg("job finished")
	}()

	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	err = j.Work(jobCtx)
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
}

// Healthy reports whether the queue is accepting work.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}
