package page

import (
	"unsafe"

	"github.com/oskit/pagealloc/internal/logging"
)

// descriptorSize is the per-page metadata footprint used to size the
// descriptor table. unsafe.Sizeof is a compile-time constant here; Page's
// field layout (see descriptor.go) keeps it at 32 bytes.
const descriptorSize = unsafe.Sizeof(Page{})

// Allocator is the page allocator: the lower tier that manages every byte
// of caller-supplied memory as a grid of fixed-size pages and serves
// variable-length runs of contiguous pages via a buddy-style free-list
// array. It is single-threaded and purely synchronous — callers that need
// concurrent access must serialize it themselves; the allocator holds no
// lock of its own.
type Allocator struct {
	pageSize uintptr

	regions []regionInfo
	pages   []Page

	freeGroupLists [groupListCount]int32

	pagesCount      int
	descRegionIdx   int
	descPagesCount  int
	freePagesCount  int

	totalMemorySize     uintptr
	effectiveMemorySize uintptr

	logger *logging.Logger
}

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLogger attaches a logger used at Init and allocation-exhaustion
// boundaries. The allocator's control flow never depends on it being set.
func WithLogger(l *logging.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// New constructs a cleared Allocator ready for Init.
func New(opts ...Option) *Allocator {
	a := &Allocator{}
	a.Clear()
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Clear resets the allocator to its freshly-constructed state. Init
// requires a cleared instance; calling Init a second time without an
// intervening Clear is invalid use (the reference implementation would
// double-count pages in that case, and this one does not attempt to guess
// a better intent than "don't do that").
func (a *Allocator) Clear() {
	a.regions = nil
	a.pages = nil
	for i := range a.freeGroupLists {
		a.freeGroupLists[i] = noGroup
	}
	a.pagesCount = 0
	a.descRegionIdx = 0
	a.descPagesCount = 0
	a.freePagesCount = 0
	a.totalMemorySize = 0
	a.effectiveMemorySize = 0
}

// Init ingests regions and prepares the allocator to serve Allocate/Release.
// It reports false when no valid region exists, or none is large enough to
// host the descriptor table it must carve out of itself.
func (a *Allocator) Init(regions []Region, pageSize uintptr) bool {
	a.pageSize = pageSize

	// Region ingestion: stop at the first zero-sized sentinel, never read
	// past MaxRegions regardless of what the caller passed.
	var infos []regionInfo
	for i := 0; i < len(regions) && i < MaxRegions; i++ {
		r := regions[i]
		if r.Size == 0 {
			break
		}

		start := r.Address
		end := Addr(uintptr(r.Address) + r.Size)
		alignedStart := Addr(roundup(uintptr(start), pageSize))
		alignedEnd := Addr(rounddown(uintptr(end), pageSize))
		if alignedEnd <= alignedStart {
			continue
		}

		pageCount := int((uintptr(alignedEnd) - uintptr(alignedStart)) / pageSize)
		infos = append(infos, regionInfo{
			start:        start,
			end:          end,
			alignedStart: alignedStart,
			alignedEnd:   alignedEnd,
			size:         r.Size,
			alignedSize:  uintptr(alignedEnd) - uintptr(alignedStart),
			pageCount:    pageCount,
		})
	}

	if len(infos) == 0 {
		a.logWarn("init failed: no valid region")
		return false
	}

	pagesCount := 0
	var totalMem, effectiveMem uintptr
	for _, ri := range infos {
		pagesCount += ri.pageCount
		totalMem += ri.size
		effectiveMem += ri.alignedSize
	}

	descRegionIdx, ok := chooseDescRegion(infos, pagesCount)
	if !ok {
		a.logWarn("init failed: no region large enough for descriptor table")
		return false
	}

	pages := make([]Page, pagesCount)
	cursor := 0
	for i := range infos {
		ri := &infos[i]
		ri.firstPage = cursor
		for addr := ri.alignedStart; addr < ri.alignedEnd; addr += Addr(pageSize) {
			pages[cursor] = Page{
				address:   addr,
				regionIdx: int32(i),
				idx:       int32(cursor),
			}
			cursor++
		}
		ri.lastPage = cursor - 1
	}

	needBytes := uintptr(pagesCount) * descriptorSize
	descPagesCount := int((needBytes + pageSize - 1) / pageSize)

	a.regions = infos
	a.pages = pages
	a.pagesCount = pagesCount
	a.descRegionIdx = descRegionIdx
	a.descPagesCount = descPagesCount
	a.totalMemorySize = totalMem
	a.effectiveMemorySize = effectiveMem

	for i := range a.regions {
		ri := &a.regions[i]
		skip := 0
		if i == descRegionIdx {
			skip = descPagesCount
			for p := ri.firstPage; p < ri.firstPage+skip; p++ {
				a.pages[p].setUsed(true)
			}
		}
		free := ri.pageCount - skip
		if free > 0 {
			a.addGroup(ri.firstPage+skip, free)
			a.freePagesCount += free
		}
	}

	a.logInfo("init ok")
	return true
}

// InitRange is the convenience single-region form of Init, deriving a
// one-element region list from [start, end).
func (a *Allocator) InitRange(start, end Addr, pageSize uintptr) bool {
	return a.Init([]Region{{Address: start, Size: uintptr(end - start)}}, pageSize)
}

// chooseDescRegion picks, among regions large enough to host the
// descriptor table, the one with the smallest aligned size (tightest fit),
// breaking ties by lowest index.
func chooseDescRegion(infos []regionInfo, pagesCount int) (int, bool) {
	need := uintptr(pagesCount) * descriptorSize

	selected := -1
	for i, ri := range infos {
		if ri.alignedSize < need {
			continue
		}
		if selected == -1 || ri.alignedSize < infos[selected].alignedSize {
			selected = i
		}
	}
	if selected == -1 {
		return 0, false
	}
	return selected, true
}

// Allocate returns the head descriptor of a contiguous run of exactly n
// free pages, now marked allocated, or nil if no sufficiently large free
// group exists. n must be >= 1; allocate(0) is undefined behavior, as
// specified.
func (a *Allocator) Allocate(n int) *Page {
	idx := groupIdx(n)
	for i := idx; i < groupListCount; i++ {
		head := a.freeGroupLists[i]
		if head == noGroup {
			continue
		}
		size := int(a.pages[head].groupSize)
		if size < n {
			continue
		}

		a.removeGroup(int(head), size)
		if size > n {
			a.addGroup(int(head)+n, size-n)
		}

		for k := 0; k < n; k++ {
			a.pages[int(head)+k].setUsed(true)
		}
		a.pages[head].groupSize = int32(n)
		a.freePagesCount -= n
		return &a.pages[head]
	}

	a.logWarn("allocation exhausted", logging.Int("pages", n))
	return nil
}

// Release returns a previously allocated run to the free pool, coalescing
// it with any free, same-region neighbours. Releasing nil is a no-op;
// releasing anything other than the exact head a prior Allocate returned is
// undefined behavior, as specified.
func (a *Allocator) Release(p *Page) {
	if p == nil {
		return
	}

	head := int(p.idx)
	n := int(a.pages[head].groupSize)
	for k := 0; k < n; k++ {
		a.pages[head+k].setUsed(false)
	}
	a.pages[head].groupSize = 0

	region := &a.regions[a.pages[head].regionIdx]
	mergedHead, mergedTail, mergedN := head, head+n-1, n

	if mergedHead-1 >= region.firstPage {
		left := &a.pages[mergedHead-1]
		if !left.Used() && left.groupSize > 0 {
			m := int(left.groupSize)
			leftHead := mergedHead - m
			a.removeGroup(leftHead, m)
			mergedHead = leftHead
			mergedN += m
		}
	}

	if mergedTail+1 <= region.lastPage {
		right := &a.pages[mergedTail+1]
		if !right.Used() && right.groupSize > 0 {
			k := int(right.groupSize)
			a.removeGroup(mergedTail+1, k)
			mergedTail += k
			mergedN += k
		}
	}

	a.addGroup(mergedHead, mergedN)
	a.freePagesCount += n
}

// GetPage locates the descriptor covering a given physical address, or nil
// if no managed region covers it. addr need not be a page's base address —
// any address inside a covered page resolves to that page's descriptor, the
// lookup zone relies on to recover a descriptor from an arbitrary pointer
// into one of its slabs.
func (a *Allocator) GetPage(addr Addr) *Page {
	for i := range a.regions {
		r := &a.regions[i]
		if addr < r.alignedStart || addr > r.alignedEnd {
			continue
		}

		off := (uintptr(addr) - uintptr(r.alignedStart)) / a.pageSize
		pidx := r.firstPage + int(off)
		if pidx > r.lastPage {
			continue
		}
		return &a.pages[pidx]
	}
	return nil
}

func (a *Allocator) logInfo(msg string, fields ...logging.Field) {
	if a.logger != nil {
		a.logger.Info(msg, fields...)
	}
}

func (a *Allocator) logWarn(msg string, fields ...logging.Field) {
	if a.logger != nil {
		a.logger.Warn(msg, fields...)
	}
}
