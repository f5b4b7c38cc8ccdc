package tierup

import (
	"sync/atomic"

	wasmtierup "github.com/wippyai/wasm-tierup"
)

// SiteState is the tiering state of one call site.
type SiteState uint32

const (
	SiteInterpreting SiteState = iota
	SiteConsideringTierUp
	SiteStillInterpreting
	SiteUsingCachedVariant
	SiteCompiling
	SiteFailed
)

func (s SiteState) String() string {
	switch s {
	case SiteInterpreting:
		return "interpreting"
	case SiteConsideringTierUp:
		return "considering-tier-up"
	case SiteStillInterpreting:
		return "still-interpreting"
	case SiteUsingCachedVariant:
		return "using-cached-variant"
	case SiteCompiling:
		return "compiling"
	case SiteFailed:
		return "failed"
	}
	return "unknown"
}

// CallSite caches a shared compiled variant for one interpreter call site.
// Several threads may run through the same site; transitions are CAS-based
// and a lost race leaves the winner's state in place.
type CallSite struct {
	variant atomic.Pointer[wasmtierup.Variant]
	state   atomic.Uint32
}

// NewCallSite returns a site in the Interpreting state.
func NewCallSite() *CallSite {
	return &CallSite{}
}

// State returns the site's current state.
func (s *CallSite) State() SiteState {
	return SiteState(s.state.Load())
}

// Variant returns the cached variant, if any.
func (s *CallSite) Variant() *wasmtierup.Variant {
	return s.variant.Load()
}

func (s *CallSite) cas(from, to SiteState) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

// cached returns the variant to use for (fn, mode) when the site has
// settled. A site that reaches a different callee than the one it cached
// drops the entry and starts over.
func (s *CallSite) cached(fn wasmtierup.FunctionIndex, mode wasmtierup.ExecutionMode) *wasmtierup.Variant {
	if s == nil || s.State() != SiteUsingCachedVariant {
		return nil
	}
	v := s.variant.Load()
	if v == nil {
		return nil
	}
	if v.Function != fn {
		if s.variant.CompareAndSwap(v, nil) {
			s.cas(SiteUsingCachedVariant, SiteInterpreting)
		}
		return nil
	}
	if v.Mode == mode {
		return v
	}
	return nil
}

func (s *CallSite) consider() {
	if s == nil {
		return
	}
	if !s.cas(SiteInterpreting, SiteConsideringTierUp) {
		s.cas(SiteStillInterpreting, SiteConsideringTierUp)
	}
}

// settleFrom lists the states a site leaves once a variant is known.
var settleFrom = [...]SiteState{SiteConsideringTierUp, SiteCompiling, SiteInterpreting, SiteStillInterpreting}

// resolve settles the site after a tiering decision.
func (s *CallSite) resolve(v *wasmtierup.Variant, status Status) {
	if s == nil {
		return
	}
	switch {
	case v != nil:
		s.variant.Store(v)
		for _, from := range settleFrom {
			if s.cas(from, SiteUsingCachedVariant) {
				break
			}
		}
	case status == Compiling:
		s.cas(SiteConsideringTierUp, SiteCompiling)
	case status == Failed:
		if s.cas(SiteCompiling, SiteFailed) {
			s.cas(SiteFailed, SiteStillInterpreting)
			return
		}
		s.cas(SiteConsideringTierUp, SiteStillInterpreting)
	default:
		s.cas(SiteConsideringTierUp, SiteStillInterpreting)
	}
}
