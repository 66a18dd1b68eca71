package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// JobStatus describes the lifecycle stage of an optimization job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// updateBuffer is the number of progress snapshots kept for slow readers
const updateBuffer = 64

// Job runs Prescription.Optimize on its own goroutine. The prescription
// and its plan belong to the job until it finishes; callers observe it
// only through the snapshots returned by Progress and Updates.
type Job struct {
	prescription *Prescription
	opts         OptimizerOptions

	mu        sync.RWMutex
	status    JobStatus
	progress  Progress
	result    *Result
	err       error
	started   time.Time
	completed time.Time

	updates chan Progress
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewJob prepares an optimization of p; nothing runs until Start
func NewJob(p *Prescription, opts OptimizerOptions) *Job {
	return &Job{
		prescription: p,
		opts:         opts,
		status:       JobPending,
		updates:      make(chan Progress, updateBuffer),
		done:         make(chan struct{}),
	}
}

// Start launches the optimization. A job can be started once.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobPending {
		return fmt.Errorf("job already %s", j.status)
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.status = JobRunning
	j.started = time.Now()

	go j.run(ctx)
	return nil
}

func (j *Job) run(ctx context.Context) {
	defer j.cancel()
	res, err := j.prescription.Optimize(ctx, j.opts, j.observe)

	j.mu.Lock()
	j.result = res
	j.err = err
	j.completed = time.Now()
	switch {
	case err == nil:
		j.status = JobCompleted
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		j.status = JobCancelled
	default:
		j.status = JobFailed
	}
	status := j.status
	j.mu.Unlock()

	optimizationJobs.WithLabelValues(string(status)).Inc()
	close(j.updates)
	close(j.done)
}

// observe stores the snapshot and forwards it without blocking the optimizer
func (j *Job) observe(p Progress) bool {
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()

	select {
	case j.updates <- p:
	default:
	}
	return true
}

// Stop asks the optimization to end after the current iteration. The
// plan keeps the last committed weights.
func (j *Job) Stop() {
	j.mu.RLock()
	cancel := j.cancel
	j.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns the lifecycle stage
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Progress returns a copy of the latest snapshot
func (j *Job) Progress() Progress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	p := j.progress
	p.State = append([]float64(nil), p.State...)
	return p
}

// Updates delivers progress snapshots; it is closed when the job ends.
// Snapshots are dropped while the buffer is full.
func (j *Job) Updates() <-chan Progress { return j.updates }

// Done is closed when the job ends
func (j *Job) Done() <-chan struct{} { return j.done }

// Elapsed returns the running time so far, or the total once finished
func (j *Job) Elapsed() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	switch {
	case j.started.IsZero():
		return 0
	case j.completed.IsZero():
		return time.Since(j.started)
	}
	return j.completed.Sub(j.started)
}

// Wait blocks until the job ends or ctx is done
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result, j.err
}
