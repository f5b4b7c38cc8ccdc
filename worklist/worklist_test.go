package worklist

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
)

type countingReleaser struct {
	n atomic.Int32
}

func (r *countingReleaser) Release() { r.n.Add(1) }

func noop(context.Context, *Job) error { return nil }

func TestEnqueueRunsOnce(t *testing.T) {
	w := New(Config{Name: "test", Workers: 2})
	defer w.Close()

	var runs atomic.Int32
	keep := &countingReleaser{}
	job := NewJob(KindTierUp, 3, wasmtierup.ModeBoundsChecked, func(context.Context, *Job) error {
		runs.Add(1)
		return nil
	}, WithKeepAlive(keep))

	if err := w.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	err := w.Enqueue(job)
	if errors.KindOf(err) != errors.KindInvariant {
		t.Errorf("second Enqueue = %v, want invariant", err)
	}

	if err := w.WaitForCompletion(context.Background(), job); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("job ran %d times", runs.Load())
	}
	if keep.n.Load() != 1 {
		t.Errorf("keep-alive released %d times", keep.n.Load())
	}
	if job.State() != StateDone {
		t.Errorf("state = %s", job.State())
	}
}

func TestWaitForCompletionRunsInline(t *testing.T) {
	w := New(Config{Name: "inline"})
	defer w.Close()

	var ranOn atomic.Bool
	job := NewJob(KindTierUp, 0, wasmtierup.ModeSignaling, func(context.Context, *Job) error {
		ranOn.Store(true)
		return nil
	})
	if err := w.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	if w.InFlight() != 1 {
		t.Errorf("InFlight = %d, want 1", w.InFlight())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.WaitForCompletion(ctx, job); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if !ranOn.Load() {
		t.Error("job did not run")
	}
	if s := w.Stats(); s.Inline != 1 || s.InFlight != 0 || s.Completed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWaitBeforeEnqueue(t *testing.T) {
	w := New(Config{})
	defer w.Close()
	job := NewJob(KindTierUp, 0, wasmtierup.ModeBoundsChecked, noop)
	if err := w.WaitForCompletion(context.Background(), job); errors.KindOf(err) != errors.KindInvariant {
		t.Errorf("expected invariant, got %v", err)
	}
}

func TestJobErrorAndPanic(t *testing.T) {
	w := New(Config{})
	defer w.Close()

	oom := errors.OutOfMemory(1, wasmtierup.ModeBoundsChecked, "code space exhausted")
	tests := []struct {
		name string
		plan Plan
		kind errors.Kind
	}{
		{"out of memory", func(context.Context, *Job) error { return oom }, errors.KindOutOfMemory},
		{"panic", func(context.Context, *Job) error { panic("boom") }, errors.KindCompileFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(KindTierUp, 1, wasmtierup.ModeBoundsChecked, tt.plan)
			if err := w.Enqueue(job); err != nil {
				t.Fatal(err)
			}
			err := w.WaitForCompletion(context.Background(), job)
			if errors.KindOf(err) != tt.kind {
				t.Errorf("kind = %q, want %q", errors.KindOf(err), tt.kind)
			}
			if job.Err() != err {
				t.Errorf("Err() = %v, want %v", job.Err(), err)
			}
		})
	}
	if !errors.IsOutOfMemory(oom) {
		t.Error("IsOutOfMemory(oom) = false")
	}
}

func TestHostRequestCallback(t *testing.T) {
	w := New(Config{Workers: 1})
	defer w.Close()

	var got *Job
	var gotErr error
	called := make(chan struct{})
	job := NewJob(KindHostRequest, 5, wasmtierup.ModeSignaling, noop,
		WithFinalize(FinalizeManual),
		WithCallback(func(j *Job, err error) {
			got, gotErr = j, err
			close(called)
		}))
	if job.Finalize() != FinalizeManual || job.Kind() != KindHostRequest {
		t.Errorf("job = %s finalize %d", job, job.Finalize())
	}
	if err := w.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	if err := w.WaitForCompletion(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	<-called
	if got != job || gotErr != nil {
		t.Errorf("callback got %v, %v", got, gotErr)
	}

	// Tier-up jobs ignore callbacks.
	var tierCalled atomic.Bool
	tj := NewJob(KindTierUp, 5, wasmtierup.ModeSignaling, noop, WithCallback(func(*Job, error) { tierCalled.Store(true) }))
	if err := w.Enqueue(tj); err != nil {
		t.Fatal(err)
	}
	if err := w.WaitForCompletion(context.Background(), tj); err != nil {
		t.Fatal(err)
	}
	if tierCalled.Load() {
		t.Error("tier-up job invoked callback")
	}
}

func TestRunUntilIdle(t *testing.T) {
	w := New(Config{})
	defer w.Close()

	var runs atomic.Int32
	for i := 0; i < 5; i++ {
		job := NewJob(KindTierUp, wasmtierup.FunctionIndex(i), wasmtierup.ModeBoundsChecked, func(context.Context, *Job) error {
			runs.Add(1)
			return nil
		})
		if err := w.Enqueue(job); err != nil {
			t.Fatal(err)
		}
	}
	if !w.RunOneInline(context.Background()) {
		t.Fatal("RunOneInline found nothing")
	}
	if err := w.RunUntilIdle(context.Background(), time.Second); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	if runs.Load() != 5 {
		t.Errorf("runs = %d, want 5", runs.Load())
	}
	if w.RunOneInline(context.Background()) {
		t.Error("RunOneInline ran a job on an empty queue")
	}
}

func TestRunUntilIdleTimeout(t *testing.T) {
	w := New(Config{Workers: 1})
	release := make(chan struct{})
	job := NewJob(KindTierUp, 0, wasmtierup.ModeBoundsChecked, func(context.Context, *Job) error {
		<-release
		return nil
	})
	if err := w.Enqueue(job); err != nil {
		t.Fatal(err)
	}
	// Let the worker pick it up so the caller has nothing to drain.
	for job.State() != StateRunning {
		time.Sleep(time.Millisecond)
	}

	err := w.RunUntilIdle(context.Background(), 20*time.Millisecond)
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunUntilIdle = %v, want deadline exceeded", err)
	}
	close(release)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentWaitersShareOneRun(t *testing.T) {
	w := New(Config{Workers: 1})
	defer w.Close()

	var runs atomic.Int32
	job := NewJob(KindTierUp, 9, wasmtierup.ModeBoundsChecked, func(context.Context, *Job) error {
		runs.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	if err := w.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return w.WaitForCompletion(context.Background(), job)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if runs.Load() != 1 {
		t.Errorf("job ran %d times", runs.Load())
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	w := New(Config{})

	var mu sync.Mutex
	var order []wasmtierup.FunctionIndex
	for i := 0; i < 3; i++ {
		job := NewJob(KindTierUp, wasmtierup.FunctionIndex(i), wasmtierup.ModeBoundsChecked, func(_ context.Context, j *Job) error {
			mu.Lock()
			order = append(order, j.Function())
			mu.Unlock()
			return nil
		})
		if err := w.Enqueue(job); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Errorf("drain order = %v", order)
	}

	late := NewJob(KindTierUp, 7, wasmtierup.ModeBoundsChecked, noop)
	err := w.Enqueue(late)
	if errors.KindOf(err) != errors.KindClosed {
		t.Errorf("Enqueue after Close = %v", err)
	}
	select {
	case <-late.Done():
	default:
		t.Error("rejected job was not finished")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
