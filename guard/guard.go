// Package guard is the outer safety wrapper the core's error-handling
// design explicitly invites ("such validation, if desired, belongs in an
// outer safety wrapper") without touching the page allocator's own
// zero-validation contract. It adds a probabilistic check against
// releasing a pointer the core never handed out.
package guard

import (
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/oskit/pagealloc/internal/logging"
	"github.com/oskit/pagealloc/page"
)

// DefaultExpectedRuns and DefaultFalsePositiveRate size the membership
// filter for a moderate allocation churn; override via Option for
// workloads with a very different outstanding-allocation count.
const (
	DefaultExpectedRuns      = 100000
	DefaultFalsePositiveRate = 0.01
)

// Allocator wraps a *page.Allocator, tracking every run's head address in a
// Bloom filter so Release can refuse addresses it is confident were never
// returned by Allocate. A Bloom filter has no remove operation, so this
// catches foreign or corrupted pointers, not a second release of a
// genuinely-once-allocated address; a false positive on membership is
// possible (by construction, rarely), a false negative never is, so a
// legitimate release is never refused.
type Allocator struct {
	core   *page.Allocator
	seen   *bloom.BloomFilter
	logger *logging.Logger
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLogger attaches a logger for rejected-release observability.
func WithLogger(l *logging.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithFilterSize overrides the default Bloom filter sizing.
func WithFilterSize(expectedRuns uint, falsePositiveRate float64) Option {
	return func(a *Allocator) { a.seen = bloom.NewWithEstimates(expectedRuns, falsePositiveRate) }
}

// New wraps an already-initialized *page.Allocator.
func New(core *page.Allocator, opts ...Option) *Allocator {
	a := &Allocator{core: core}
	for _, opt := range opts {
		opt(a)
	}
	if a.seen == nil {
		a.seen = bloom.NewWithEstimates(DefaultExpectedRuns, DefaultFalsePositiveRate)
	}
	return a
}

func addrKey(addr page.Addr) []byte {
	return []byte(fmt.Sprintf("%x", uintptr(addr)))
}

// Allocate delegates to the core and records the returned run's head
// address, if any, as a legitimately outstanding allocation.
func (a *Allocator) Allocate(n int) *page.Page {
	p := a.core.Allocate(n)
	if p != nil {
		a.seen.Add(addrKey(p.Address()))
	}
	return p
}

// Release refuses to forward p to the core if its head address was never
// observed as a prior Allocate result — a wild or corrupted pointer — and
// returns an error instead of risking state corruption. A nil p is
// forwarded as the no-op it already is in the core.
func (a *Allocator) Release(p *page.Page) error {
	if p == nil {
		a.core.Release(nil)
		return nil
	}

	if !a.seen.Test(addrKey(p.Address())) {
		if a.logger != nil {
			a.logger.Warn("guard: refusing release of unrecognized pointer",
				logging.Uintptr("address", uintptr(p.Address())))
		}
		return fmt.Errorf("guard: address %#x was never observed as an allocation head", uintptr(p.Address()))
	}

	a.core.Release(p)
	return nil
}

// GetPage, GetStats pass straight through; the guard only adds value on
// the release path.
func (a *Allocator) GetPage(addr page.Addr) *page.Page { return a.core.GetPage(addr) }
func (a *Allocator) GetStats() page.Stats              { return a.core.GetStats() }
