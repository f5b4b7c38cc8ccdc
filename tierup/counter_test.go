package tierup

import (
	"math"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestCounterReportsOneCrossing(t *testing.T) {
	c := NewCounter(3, 1)
	var hits []int
	for i := 1; i <= 6; i++ {
		c.Increment()
		if c.CheckIfOptimizationThresholdReached() {
			hits = append(hits, i)
		}
	}
	if len(hits) != 1 || hits[0] != 3 {
		t.Errorf("crossings at %v, want [3]", hits)
	}
}

func TestCounterConcurrentCrossing(t *testing.T) {
	c := NewCounter(100, 10)
	var crossings atomic.Int32

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				c.Increment()
				if c.CheckIfOptimizationThresholdReached() {
					crossings.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if crossings.Load() != 1 {
		t.Errorf("crossings = %d, want 1", crossings.Load())
	}
}

func TestCounterPolicies(t *testing.T) {
	tests := []struct {
		name   string
		adjust func(*Counter)
		runs   int
		want   bool
	}{
		{"warm up not reached", func(*Counter) {}, 9, false},
		{"warm up reached", func(*Counter) {}, 10, true},
		{"soon", (*Counter).OptimizeSoon, 2, true},
		{"deferred", (*Counter).DeferIndefinitely, 1000, false},
		{"deferred then reset", func(c *Counter) { c.DeferIndefinitely(); c.Reset() }, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCounter(10, 2)
			tt.adjust(c)
			got := false
			for i := 0; i < tt.runs; i++ {
				c.Increment()
				got = got || c.CheckIfOptimizationThresholdReached()
			}
			if got != tt.want {
				t.Errorf("crossed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCounterDeferThreshold(t *testing.T) {
	c := NewCounter(5, 1)
	c.Increment()
	c.DeferIndefinitely()
	if c.Threshold() != math.MaxInt64 {
		t.Errorf("Threshold = %d", c.Threshold())
	}
	c.OptimizeSoon()
	if c.Count() != 0 || c.Threshold() != 1 {
		t.Errorf("after OptimizeSoon: count %d threshold %d", c.Count(), c.Threshold())
	}
}
