package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	wasmtierup "github.com/wippyai/wasm-tierup"
	"github.com/wippyai/wasm-tierup/errors"
	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/tierup"
)

// backEdgesPerLoop is how many iterations each simulated loop runs before
// it exits on its own.
const backEdgesPerLoop = 8

type simFunc struct {
	loops []osr.Descriptor
	fn    wasmtierup.FunctionIndex
	size  uint32
}

// simulation replays interpreter hook traffic without running guest code.
type simulation struct {
	sess    *session
	funcs   []simFunc
	threads int
	calls   int
	done    atomic.Int64
	traps   atomic.Int64
}

func newSimulation(s *session, threads, calls int) *simulation {
	sim := &simulation{sess: s, threads: threads, calls: calls}
	for fn := s.module.NumImportedFuncs(); fn < s.module.NumFuncs(); fn++ {
		f := simFunc{fn: wasmtierup.FunctionIndex(fn)}
		if table, err := s.inst.Table(f.fn); err == nil {
			f.loops = table.Descriptors()
			f.size = table.LocalCount
		}
		sim.funcs = append(sim.funcs, f)
	}
	return sim
}

func (sim *simulation) total() int64 {
	return int64(sim.threads) * int64(sim.calls)
}

func (sim *simulation) run(ctx context.Context) error {
	if len(sim.funcs) == 0 {
		return errors.InvalidInput(errors.PhaseTierUp, "module defines no functions")
	}
	g, ctx := errgroup.WithContext(ctx)
	for t := 0; t < sim.threads; t++ {
		t := t
		g.Go(func() error {
			site := make([]*tierup.CallSite, len(sim.funcs))
			for i := range site {
				site[i] = tierup.NewCallSite()
			}
			for i := 0; i < sim.calls; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				idx := (i + t) % len(sim.funcs)
				if err := sim.call(ctx, sim.funcs[idx], site[idx]); err != nil {
					return err
				}
				sim.done.Add(1)
			}
			return nil
		})
	}
	return g.Wait()
}

// call plays one activation: prologue, every loop's back-edges, epilogue.
// Traps end the activation the way they would in the interpreter.
func (sim *simulation) call(ctx context.Context, f simFunc, site *tierup.CallSite) error {
	coord, inst := sim.sess.coord, sim.sess.inst
	frame := &tierup.Frame{Function: f.fn, Site: site, Locals: make([]uint64, f.size), Depth: 1}

	d, err := coord.OnFunctionPrologue(ctx, inst, frame)
	if err != nil {
		return sim.trap(err)
	}
	if d.Action == tierup.ActionEnter {
		return nil
	}

	for _, desc := range f.loops {
		frame.PC = desc.Offset
		frame.Stack = make([]uint64, desc.StackCount)
		frame.ExceptionValues = make([]uint64, desc.ExceptionDepth)
		for i := 0; i < backEdgesPerLoop; i++ {
			d, err := coord.OnLoopBackEdge(ctx, inst, frame)
			if err != nil {
				return sim.trap(err)
			}
			if d.Action == tierup.ActionTransfer {
				// The optimized loop would run to the function's end.
				d.Buffer.Release()
				return nil
			}
		}
	}
	frame.Stack, frame.ExceptionValues = nil, nil

	if _, err := coord.OnFunctionEpilogue(ctx, inst, frame); err != nil {
		return sim.trap(err)
	}
	return nil
}

func (sim *simulation) trap(err error) error {
	if _, ok := errors.AsTrap(err); ok {
		sim.traps.Add(1)
		return nil
	}
	return err
}

func runSimulate(opts options) error {
	ctx := context.Background()
	sess, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	sim := newSimulation(sess, opts.threads, opts.calls)
	fmt.Printf("Simulating %d threads x %d calls over %d functions (%s)...\n",
		opts.threads, opts.calls, len(sim.funcs), sess.cfg.Mode)
	if err := sim.run(ctx); err != nil {
		return err
	}
	if err := sess.coord.Drain(ctx, 0); err != nil {
		return err
	}
	writeReport(os.Stdout, sim)
	return nil
}

func writeReport(w io.Writer, sim *simulation) {
	sess := sim.sess
	st := sess.coord.Stats()

	fmt.Fprintf(w, "\nCalls:            %d (%d traps)\n", sim.done.Load(), sim.traps.Load())
	fmt.Fprintf(w, "Hooks:            %d prologue, %d back-edge, %d epilogue\n", st.Prologues, st.BackEdges, st.Epilogues)
	fmt.Fprintf(w, "Compiles:         %d (%d synchronous, %d failed)\n", st.Compiles, st.SyncCompiles, st.Failures)
	fmt.Fprintf(w, "Entries:          %d\n", st.Entries)
	fmt.Fprintf(w, "Transfers:        %d (%d declined)\n", st.Transfers, st.Declined)
	fmt.Fprintf(w, "Stack overflows:  %d\n", st.StackOverflows)
	fmt.Fprintf(w, "Invariants:       %d\n", st.Invariants)
	fmt.Fprintf(w, "Worklist:         %d completed, %d failed, %d inline\n",
		st.Worklist.Completed, st.Worklist.Failed, st.Worklist.Inline)
	fmt.Fprintf(w, "Scratch buffers:  %d gets, %d misses, %d declines (limit %d values)\n",
		st.Scratch.Gets, st.Scratch.Misses, st.Scratch.Declines, st.Scratch.Limit)
	fmt.Fprintf(w, "Code:             %s\n", units.BytesSize(float64(sess.compiler.Used())))

	counts := sess.inst.Tracker().Counts()
	statuses := make([]tierup.Status, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	fmt.Fprintf(w, "Status:          ")
	for _, s := range statuses {
		fmt.Fprintf(w, " %s=%d", s, counts[s])
	}
	fmt.Fprintln(w)

	for _, v := range sess.inst.Registry().Variants() {
		fmt.Fprintf(w, "  func %d %s: %d loop entries\n", v.Function, v.Mode, len(v.LoopEntries))
	}
}
