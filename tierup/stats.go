package tierup

import (
	"sync/atomic"

	"github.com/wippyai/wasm-tierup/osr"
	"github.com/wippyai/wasm-tierup/worklist"
)

// Stats is a snapshot of coordinator activity.
type Stats struct {
	Worklist       worklist.Stats
	Scratch        osr.PoolStats
	Prologues      uint64
	BackEdges      uint64
	Epilogues      uint64
	Compiles       uint64
	SyncCompiles   uint64
	Failures       uint64
	Entries        uint64
	Transfers      uint64
	Declined       uint64
	StackOverflows uint64
	Traps          uint64
	Invariants     uint64
}

type counters struct {
	prologues      atomic.Uint64
	backEdges      atomic.Uint64
	epilogues      atomic.Uint64
	compiles       atomic.Uint64
	syncCompiles   atomic.Uint64
	failures       atomic.Uint64
	entries        atomic.Uint64
	transfers      atomic.Uint64
	declined       atomic.Uint64
	stackOverflows atomic.Uint64
	traps          atomic.Uint64
	invariants     atomic.Uint64
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	s := &c.stats
	return Stats{
		Worklist:       c.worklist.Stats(),
		Scratch:        c.pool.Stats(),
		Prologues:      s.prologues.Load(),
		BackEdges:      s.backEdges.Load(),
		Epilogues:      s.epilogues.Load(),
		Compiles:       s.compiles.Load(),
		SyncCompiles:   s.syncCompiles.Load(),
		Failures:       s.failures.Load(),
		Entries:        s.entries.Load(),
		Transfers:      s.transfers.Load(),
		Declined:       s.declined.Load(),
		StackOverflows: s.stackOverflows.Load(),
		Traps:          s.traps.Load(),
		Invariants:     s.invariants.Load(),
	}
}
