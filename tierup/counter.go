package tierup

import (
	"math"
	"sync/atomic"
)

// Counter counts hook executions of one function and reports when the
// current threshold is crossed. Each armed threshold is reported once, no
// matter how many threads observe the crossing.
type Counter struct {
	count     atomic.Int64
	threshold atomic.Int64
	armed     atomic.Bool
	warmUp    int64
	soon      int64
}

// NewCounter creates a counter armed with the warm-up threshold.
func NewCounter(warmUp, soon int64) *Counter {
	c := &Counter{warmUp: warmUp, soon: soon}
	c.OptimizeAfterWarmUp()
	return c
}

// Increment records one execution.
func (c *Counter) Increment() {
	c.count.Add(1)
}

// CheckIfOptimizationThresholdReached reports the threshold crossing. Only
// the first caller after the crossing sees true.
func (c *Counter) CheckIfOptimizationThresholdReached() bool {
	if c.count.Load() < c.threshold.Load() {
		return false
	}
	return c.armed.CompareAndSwap(true, false)
}

// OptimizeAfterWarmUp re-arms the counter with the warm-up threshold.
func (c *Counter) OptimizeAfterWarmUp() {
	c.arm(c.warmUp)
}

// OptimizeSoon re-arms the counter with the short threshold.
func (c *Counter) OptimizeSoon() {
	c.arm(c.soon)
}

// DeferIndefinitely disarms the counter until it is re-armed.
func (c *Counter) DeferIndefinitely() {
	c.armed.Store(false)
	c.threshold.Store(math.MaxInt64)
}

// Reset is OptimizeAfterWarmUp.
func (c *Counter) Reset() {
	c.OptimizeAfterWarmUp()
}

// Count returns executions since the counter was last armed.
func (c *Counter) Count() int64 {
	return c.count.Load()
}

// Threshold returns the current threshold. A deferred counter reports
// math.MaxInt64.
func (c *Counter) Threshold() int64 {
	return c.threshold.Load()
}

func (c *Counter) arm(threshold int64) {
	c.armed.Store(false)
	c.count.Store(0)
	c.threshold.Store(threshold)
	c.armed.Store(true)
}
