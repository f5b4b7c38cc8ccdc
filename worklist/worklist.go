// Package worklist queues compile jobs for background workers.
//
// Every job runs exactly once, either on a worker or on a goroutine that
// needs its result and pulls it off the queue with WaitForCompletion.
package worklist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-tierup/errors"
)

// Config sizes a worklist.
type Config struct {
	// Name labels log entries.
	Name string
	// Workers is the number of background goroutines. Zero means jobs only
	// run when a caller drains the queue.
	Workers int
}

// Stats is a snapshot of worklist activity.
type Stats struct {
	Queued    int
	InFlight  int
	Completed uint64
	Failed    uint64
	Inline    uint64
}

// Worklist runs compile jobs on background workers. Callers that need a
// result drain the queue themselves instead of blocking on a saturated pool.
type Worklist struct {
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	cond      *sync.Cond
	log       *zap.Logger
	queue     []*Job
	mu        sync.Mutex
	inFlight  int
	completed atomic.Uint64
	failed    atomic.Uint64
	inline    atomic.Uint64
	closed    bool
}

// New creates a worklist and starts its workers.
func New(cfg Config) *Worklist {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	w := &Worklist{
		ctx:    ctx,
		cancel: cancel,
		group:  group,
		log:    Logger().With(zap.String("worklist", cfg.Name)),
	}
	w.cond = sync.NewCond(&w.mu)

	for i := 0; i < cfg.Workers; i++ {
		group.Go(w.worker)
	}
	w.log.Debug("worklist started", zap.Int("workers", cfg.Workers))
	return w
}

// Enqueue submits a job. A job is enqueued at most once; a second attempt is
// an invariant violation and leaves the job untouched.
func (w *Worklist) Enqueue(job *Job) error {
	if !job.transition(StateCreated, StateQueued) {
		return errors.Invariant(errors.PhaseCompile, "%s enqueued twice (state %s)", job, job.State())
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		err := errors.Closed(errors.PhaseCompile, "worklist")
		job.finish(err)
		return err
	}
	w.queue = append(w.queue, job)
	w.inFlight++
	w.cond.Broadcast()
	w.mu.Unlock()

	w.log.Debug("job enqueued", zap.Stringer("job", job.ID()), zap.Uint32("function", uint32(job.Function())))
	return nil
}

// WaitForCompletion returns once job has finished. If the job is still
// queued the caller takes it off the queue and runs it itself.
func (w *Worklist) WaitForCompletion(ctx context.Context, job *Job) error {
	if job.State() == StateCreated {
		return errors.Invariant(errors.PhaseCompile, "%s waited on before enqueue", job)
	}
	if w.take(job) {
		w.inline.Add(1)
		w.run(ctx, job)
	}
	select {
	case <-job.Done():
		return job.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOneInline runs the oldest queued job on the calling goroutine. It
// reports whether a job ran.
func (w *Worklist) RunOneInline(ctx context.Context) bool {
	w.mu.Lock()
	job := w.pop()
	w.mu.Unlock()
	if job == nil {
		return false
	}
	w.inline.Add(1)
	w.run(ctx, job)
	return true
}

// RunUntilIdle drains the queue on the calling goroutine and then waits for
// jobs running elsewhere. A positive timeout bounds the wait.
func (w *Worklist) RunUntilIdle(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if job := w.pop(); job != nil {
			w.mu.Unlock()
			w.inline.Add(1)
			w.run(ctx, job)
			w.mu.Lock()
			continue
		}
		if w.inFlight == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cond.Wait()
	}
}

// InFlight returns the number of queued plus running jobs.
func (w *Worklist) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// Stats returns a snapshot of the worklist counters.
func (w *Worklist) Stats() Stats {
	w.mu.Lock()
	queued, inFlight := len(w.queue), w.inFlight
	w.mu.Unlock()
	return Stats{
		Queued:    queued,
		InFlight:  inFlight,
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Inline:    w.inline.Load(),
	}
}

// Close stops accepting jobs, lets the workers drain the queue and waits for
// them. Jobs still queued when no worker is left run on the caller.
func (w *Worklist) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()

	err := w.group.Wait()
	for w.RunOneInline(context.Background()) {
	}
	w.cancel()
	w.log.Debug("worklist closed", zap.Uint64("completed", w.completed.Load()))
	return err
}

func (w *Worklist) worker() error {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		job := w.pop()
		w.mu.Unlock()
		if job == nil {
			return nil
		}
		w.run(w.ctx, job)
	}
}

// pop removes the oldest job. Callers hold w.mu.
func (w *Worklist) pop() *Job {
	if len(w.queue) == 0 {
		return nil
	}
	job := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return job
}

func (w *Worklist) take(job *Job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, q := range w.queue {
		if q == job {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (w *Worklist) run(ctx context.Context, job *Job) {
	if job.transition(StateQueued, StateRunning) {
		err := job.execute(ctx)
		if err != nil {
			w.failed.Add(1)
			w.log.Debug("job failed", zap.Stringer("job", job.ID()), zap.Error(err))
		} else {
			w.completed.Add(1)
		}
		job.finish(err)
	} else {
		w.log.DPanic("dequeued job is not queued", zap.Stringer("job", job.ID()), zap.Stringer("state", job.State()))
	}

	w.mu.Lock()
	w.inFlight--
	w.cond.Broadcast()
	w.mu.Unlock()
}
