// Package zone is the upper-tier allocator: a thin client of the page
// allocator that subdivides single pages into fixed-size slots for
// small-object allocation. The page allocator core treats it only as an
// external collaborator (it consumes Allocate(1)/Release and GetPage); this
// package is that collaborator, generalized from the teacher's fixed
// 10-class slab design to an arbitrary caller-supplied size-class table.
package zone

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/oskit/pagealloc/internal/logging"
	"github.com/oskit/pagealloc/page"
)

// DefaultSizeClasses mirrors the teacher's fixed small-object ladder.
var DefaultSizeClasses = []uint32{8, 16, 24, 32, 48, 64, 96, 128, 192, 256}

// Pool serves allocations of exactly one size class by carving whole pages
// (obtained from the page allocator) into fixed-size slots.
type Pool struct {
	objectSize uint32
	pageSize   uintptr
	alloc      *page.Allocator
	slabs      []*slab
	allocated  uint32
	capacity   uint32
	logger     *logging.Logger
}

type slab struct {
	pg        *page.Page
	base      page.Addr
	occupancy *bitset.BitSet
	total     uint32
	free      uint32
}

func newPool(alloc *page.Allocator, pageSize uintptr, objectSize uint32, logger *logging.Logger) *Pool {
	return &Pool{
		objectSize: objectSize,
		pageSize:   pageSize,
		alloc:      alloc,
		logger:     logger,
	}
}

// Allocate returns the address of a free slot, pulling a fresh page from
// the page allocator when every existing slab is full.
func (p *Pool) Allocate() (page.Addr, error) {
	for _, s := range p.slabs {
		if s.free > 0 {
			return p.allocateFromSlab(s)
		}
	}

	s, err := p.allocateNewSlab()
	if err != nil {
		return 0, err
	}
	return p.allocateFromSlab(s)
}

func (p *Pool) allocateFromSlab(s *slab) (page.Addr, error) {
	i, ok := s.occupancy.NextClear(0)
	if !ok || i >= uint(s.total) {
		return 0, logging.NewError("slab reports free slots but bitmap is full")
	}
	s.occupancy.Set(i)
	s.free--
	p.allocated++

	addr := page.Addr(uintptr(s.base) + uintptr(i)*uintptr(p.objectSize))
	return addr, nil
}

func (p *Pool) allocateNewSlab() (*slab, error) {
	pg := p.alloc.Allocate(1)
	if pg == nil {
		return nil, logging.NewError("zone: page allocator exhausted")
	}

	total := uint32(p.pageSize) / p.objectSize
	s := &slab{
		pg:        pg,
		base:      pg.Address(),
		occupancy: bitset.New(uint(total)),
		total:     total,
		free:      total,
	}
	p.slabs = append(p.slabs, s)
	p.capacity += total

	if p.logger != nil {
		p.logger.Debug("zone: new slab",
			logging.Uintptr("base", uintptr(s.base)),
			logging.Int("objectSize", int(p.objectSize)),
			logging.Int("slots", int(total)),
		)
	}
	return s, nil
}

// Free returns a slot to its slab. It reports an error for an address that
// does not belong to this pool, or that is already free (a double free).
func (p *Pool) Free(addr page.Addr) error {
	s := p.findSlab(addr)
	if s == nil {
		return fmt.Errorf("zone: address %#x not owned by this pool", uintptr(addr))
	}

	rel := uintptr(addr) - uintptr(s.base)
	if rel%uintptr(p.objectSize) != 0 {
		return fmt.Errorf("zone: address %#x misaligned for object size %d", uintptr(addr), p.objectSize)
	}

	idx := uint(rel / uintptr(p.objectSize))
	if idx >= uint(s.total) {
		return fmt.Errorf("zone: object index %d out of range", idx)
	}
	if !s.occupancy.Test(idx) {
		return fmt.Errorf("zone: double free at %#x", uintptr(addr))
	}

	s.occupancy.Clear(idx)
	s.free++
	p.allocated--
	return nil
}

func (p *Pool) findSlab(addr page.Addr) *slab {
	for _, s := range p.slabs {
		end := page.Addr(uintptr(s.base) + uintptr(p.pageSize))
		if addr >= s.base && addr < end {
			return s
		}
	}
	return nil
}

// ReleaseEmpty returns every fully-empty slab's page to the page allocator,
// the only traffic this package sends across the page-allocator boundary
// besides Allocate(1) and GetPage.
func (p *Pool) ReleaseEmpty() int {
	released := 0
	kept := p.slabs[:0]
	for _, s := range p.slabs {
		if s.free == s.total {
			p.alloc.Release(s.pg)
			p.capacity -= s.total
			released++
			continue
		}
		kept = append(kept, s)
	}
	p.slabs = kept
	return released
}

// Stats summarizes one size class's occupancy.
type Stats struct {
	ObjectSize  uint32
	Allocated   uint32
	Capacity    uint32
	SlabCount   int
	Utilization float32
}

func (p *Pool) Stats() Stats {
	util := float32(0)
	if p.capacity > 0 {
		util = float32(p.allocated) / float32(p.capacity) * 100
	}
	return Stats{
		ObjectSize:  p.objectSize,
		Allocated:   p.allocated,
		Capacity:    p.capacity,
		SlabCount:   len(p.slabs),
		Utilization: util,
	}
}

// Allocator routes allocations to the Pool of the smallest size class that
// fits, the zone tier's counterpart to the page allocator's free-group
// buckets.
type Allocator struct {
	pageAlloc *page.Allocator
	classes   []uint32
	pools     []*Pool
	logger    *logging.Logger
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLogger attaches a logger for slab-creation/exhaustion observability.
func WithLogger(l *logging.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithSizeClasses overrides DefaultSizeClasses; classes must be ascending.
func WithSizeClasses(classes []uint32) Option {
	return func(a *Allocator) { a.classes = classes }
}

// New builds a zone allocator on top of an already-initialized page
// allocator, honoring pageSize so slab object-per-page counts are correct.
func New(pageAlloc *page.Allocator, pageSize uintptr, opts ...Option) *Allocator {
	a := &Allocator{pageAlloc: pageAlloc, classes: DefaultSizeClasses}
	for _, opt := range opts {
		opt(a)
	}

	a.pools = make([]*Pool, len(a.classes))
	for i, sz := range a.classes {
		a.pools[i] = newPool(pageAlloc, pageSize, sz, a.logger)
	}
	return a
}

// Allocate serves size bytes from the smallest size class that fits.
func (a *Allocator) Allocate(size uint32) (page.Addr, error) {
	idx := a.sizeClass(size)
	if idx < 0 {
		return 0, fmt.Errorf("zone: size %d exceeds largest size class %d", size, a.classes[len(a.classes)-1])
	}
	return a.pools[idx].Allocate()
}

// Free resolves addr back to its owning page via the page allocator and
// returns the slot to that page's pool.
func (a *Allocator) Free(addr page.Addr) error {
	pg := a.pageAlloc.GetPage(addr)
	if pg == nil {
		return fmt.Errorf("zone: address %#x not found in any pool", uintptr(addr))
	}

	base := pg.Address()
	for _, p := range a.pools {
		if p.findSlab(base) != nil {
			return p.Free(addr)
		}
	}
	return fmt.Errorf("zone: page %#x not owned by any zone pool", uintptr(base))
}

func (a *Allocator) sizeClass(size uint32) int {
	for i, classSize := range a.classes {
		if size <= classSize {
			return i
		}
	}
	return -1
}

// Stats returns one Stats entry per size class, in ascending size order.
func (a *Allocator) Stats() []Stats {
	out := make([]Stats, len(a.pools))
	for i, p := range a.pools {
		out[i] = p.Stats()
	}
	return out
}
