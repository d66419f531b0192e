package asyncfs

import (
	"context"
	"errors"
	log "log/slog"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// WorkersEnv is the environment variable that overrides the scheduler's
// worker count when SchedulerOptions.Workers is zero.
const WorkersEnv = "ASYNCFS_WORKERS"

// ErrSchedulerClosed is returned by Execute and Go after Shutdown has been called.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Workers bounds how many device operations may run at once. Zero means
	// use the ASYNCFS_WORKERS environment variable, or the CPU count when
	// the variable is unset or invalid.
	Workers int
}

// Scheduler is a process-scoped, multi-worker execution context for device
// operations. It is constructed explicitly with NewScheduler and drained
// explicitly with Shutdown; nothing in this package initializes one lazily.
//
// Execute runs a task under the concurrency bound and blocks the caller until
// the task completes. Go runs a background task tracked until Shutdown.
type Scheduler struct {
	workers int
	sem     *semaphore.Weighted
	eg      *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	limiter chan bool
}

// NewScheduler creates a Scheduler with the resolved worker count.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	count := opts.Workers
	if count <= 0 {
		count = workersFromEnv()
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx2 := errgroup.WithContext(ctx)
	s := &Scheduler{
		workers: count,
		sem:     semaphore.NewWeighted(int64(count)),
		eg:      eg,
		ctx:     ctx2,
		cancel:  cancel,
		limiter: make(chan bool, count),
	}
	log.Debug("scheduler created", "workers", count)
	return s
}

func workersFromEnv() int {
	if v := os.Getenv(WorkersEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Warn("ignoring invalid "+WorkersEnv, "value", v)
	}
	return runtime.NumCPU()
}

// Workers returns the resolved worker count.
func (s *Scheduler) Workers() int {
	return s.workers
}

// Execute runs task under the scheduler's concurrency bound, blocking until it
// completes. Waiting for a free slot honors ctx; the task itself runs to
// completion once started.
func (s *Scheduler) Execute(ctx context.Context, task func(ctx context.Context) error) error {
	if s.ctx.Err() != nil {
		return ErrSchedulerClosed
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return task(ctx)
}

// Go runs task in the background, occupying a worker slot until it returns.
// The task receives a context that is canceled by Shutdown.
func (s *Scheduler) Go(task func(ctx context.Context) error) {
	t := func() error {
		err := task(s.ctx)
		// Free up this worker slot.
		<-s.limiter
		return err
	}
	s.eg.Go(t)
	// Occupy a worker slot.
	s.limiter <- true
}

// Shutdown cancels background tasks and waits for them to drain, or until ctx
// is done. It returns the first background task error, if any.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.eg.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
