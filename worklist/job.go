package worklist

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
)

// Kind tags who asked for a job.
type Kind uint8

const (
	// KindTierUp is a compile triggered by a tiering hook.
	KindTierUp Kind = iota
	// KindHostRequest is a compile the embedder asked for explicitly and
	// wants a callback for.
	KindHostRequest
)

func (k Kind) String() string {
	switch k {
	case KindTierUp:
		return "tier-up"
	case KindHostRequest:
		return "host-request"
	}
	return "unknown"
}

// Finalize says whether a successful result is linked into the variant
// registry by the job itself.
type Finalize uint8

const (
	FinalizeAuto Finalize = iota
	FinalizeManual
)

// State is a job's lifecycle position.
type State uint32

const (
	StateCreated State = iota
	StateQueued
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Plan is the work a job performs.
type Plan func(ctx context.Context, job *Job) error

// Callback is invoked once with the job's result, before waiters wake.
type Callback func(job *Job, err error)

// Releaser is a keep-alive handle on whatever the job compiles for. It is
// released after the job finishes.
type Releaser interface {
	Release()
}

// JobOption configures a job at construction.
type JobOption func(*Job)

// WithKeepAlive attaches a keep-alive handle.
func WithKeepAlive(r Releaser) JobOption {
	return func(j *Job) { j.keep = r }
}

// WithFinalize sets the finalize policy. The default is FinalizeAuto.
func WithFinalize(f Finalize) JobOption {
	return func(j *Job) { j.finalize = f }
}

// WithCallback sets the completion callback. Only host requests call it.
func WithCallback(cb Callback) JobOption {
	return func(j *Job) { j.callback = cb }
}

// Job is one immutable compile task. Its target, kind and policy are fixed
// at construction; only its lifecycle state changes.
type Job struct {
	plan     Plan
	keep     Releaser
	callback Callback
	complete func(err error)
	done     chan struct{}
	err      error
	id       uuid.UUID
	state    atomic.Uint32
	function wasmtierup.FunctionIndex
	mode     wasmtierup.ExecutionMode
	kind     Kind
	finalize Finalize
}

// NewJob creates a job for (fn, mode).
func NewJob(kind Kind, fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode, plan Plan, opts ...JobOption) *Job {
	j := &Job{
		id:       uuid.New(),
		plan:     plan,
		done:     make(chan struct{}),
		function: fn,
		mode:     mode,
		kind:     kind,
	}
	for _, opt := range opts {
		opt(j)
	}

	switch {
	case kind == KindHostRequest && j.callback != nil:
		cb := j.callback
		j.complete = func(err error) { cb(j, err) }
	default:
		j.complete = func(error) {}
	}
	return j
}

func (j *Job) ID() uuid.UUID { return j.id }
func (j *Job) Kind() Kind { return j.kind }
func (j *Job) Function() wasmtierup.FunctionIndex { return j.function }
func (j *Job) Mode() wasmtierup.ExecutionMode { return j.mode }
func (j *Job) Finalize() Finalize { return j.finalize }
func (j *Job) State() State { return State(j.state.Load()) }
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the job's result. It is only meaningful after Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s, function %d, %s)", j.id, j.kind, j.function, j.mode)
}

func (j *Job) transition(from, to State) bool {
	return j.state.CompareAndSwap(uint32(from), uint32(to))
}

func (j *Job) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("compile job panicked",
				zap.Stringer("job", j.id),
				zap.Uint32("function", uint32(j.function)),
				zap.Stringer("mode", j.mode),
				zap.Any("panic", r))
			err = errors.New(errors.PhaseCompile, errors.KindCompileFailed).
				Function(uint32(j.function)).
				Mode(j.mode).
				Value(r).
				Detail("panic: %v", r).
				Build()
		}
	}()
	if j.plan == nil {
		return errors.Invariant(errors.PhaseCompile, "%s has no plan", j)
	}
	return j.plan(ctx, j)
}

// finish records err, runs the completion path and wakes waiters.
func (j *Job) finish(err error) {
	j.err = err
	j.state.Store(uint32(StateDone))
	j.complete(err)
	if j.keep != nil {
		j.keep.Release()
	}
	close(j.done)
}
