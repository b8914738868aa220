package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 256

// regionFromPages carves an exactly-pages-long, page-aligned region out of
// buf, which must have at least one extra page of slack beyond
// pages*testPageSize to absorb the Go allocator's arbitrary starting
// alignment (mirroring the reference test suite's aligned_alloc helper).
func regionFromPages(buf []byte, pages int) Region {
	base := addrOfSlice(buf)
	aligned := Addr(roundup(uintptr(base), testPageSize))
	return Region{Address: aligned, Size: uintptr(pages) * testPageSize}
}

func TestInit_SingleSmallRegion(t *testing.T) {
	mem := make([]byte, testPageSize+testPageSize) // extra headroom for alignment
	r := regionFromPages(mem, 1)

	a := New()
	ok := a.Init([]Region{r}, testPageSize)
	require.True(t, ok)

	stats := a.GetStats()
	assert.Equal(t, 1, stats.TotalPagesCount)
	assert.Equal(t, 0, a.descRegionIdx)
	assert.Equal(t, 1, stats.ReservedPagesCount)
	assert.Equal(t, 0, stats.FreePagesCount)

	assert.Nil(t, a.Allocate(1))
}

func TestInit_ThreeRegionsTightFit(t *testing.T) {
	mem1 := make([]byte, 535*testPageSize+testPageSize)
	mem2 := make([]byte, 87*testPageSize+testPageSize)
	mem3 := make([]byte, 4*testPageSize+testPageSize)

	regions := []Region{
		regionFromPages(mem1, 535),
		regionFromPages(mem2, 87),
		regionFromPages(mem3, 4),
	}

	a := New()
	require.True(t, a.Init(regions, testPageSize))

	stats := a.GetStats()
	assert.Equal(t, 626, stats.TotalPagesCount)
	assert.Equal(t, 1, a.descRegionIdx)
	assert.Equal(t, 79, stats.ReservedPagesCount)
	assert.Equal(t, 547, stats.FreePagesCount)

	assert.Equal(t, uintptr(626*testPageSize), stats.TotalMemorySize)
	assert.Equal(t, uintptr(547*testPageSize), stats.FreeMemorySize)

	idx1 := a.freeGroupLists[groupIdx(4)]
	require.NotEqual(t, noGroup, idx1)
	assert.Equal(t, int32(4), a.pages[idx1].groupSize)

	idx2 := a.freeGroupLists[groupIdx(8)]
	require.NotEqual(t, noGroup, idx2)
	assert.Equal(t, int32(8), a.pages[idx2].groupSize)

	idx8 := a.freeGroupLists[groupIdx(535)]
	require.NotEqual(t, noGroup, idx8)
	assert.Equal(t, int32(535), a.pages[idx8].groupSize)
}

func TestInit_EightEqualRegions(t *testing.T) {
	var regions []Region
	bufs := make([][]byte, 8)
	for i := range bufs {
		bufs[i] = make([]byte, 5*testPageSize+testPageSize)
		regions = append(regions, regionFromPages(bufs[i], 5))
	}

	a := New()
	require.True(t, a.Init(regions, testPageSize))

	stats := a.GetStats()
	assert.Equal(t, 40, stats.TotalPagesCount)
	assert.Equal(t, 0, a.descRegionIdx)
	assert.Equal(t, 5, stats.ReservedPagesCount)

	groupsOfFive := 0
	for cur := a.freeGroupLists[groupIdx(5)]; cur != noGroup; cur = a.pages[cur].nextGroup {
		if a.pages[cur].groupSize == 5 {
			groupsOfFive++
		}
	}
	assert.Equal(t, 7, groupsOfFive)
}

func TestInit_TightFitOneAndSeven(t *testing.T) {
	mem1 := make([]byte, testPageSize+testPageSize)
	mem2 := make([]byte, 7*testPageSize+testPageSize)

	a := New()
	require.True(t, a.Init([]Region{regionFromPages(mem1, 1), regionFromPages(mem2, 7)}, testPageSize))

	assert.Equal(t, 0, a.descRegionIdx)
	assert.Equal(t, 1, a.descPagesCount)

	idx7 := a.freeGroupLists[groupIdx(7)]
	require.NotEqual(t, noGroup, idx7)
	assert.Equal(t, int32(7), a.pages[idx7].groupSize)
}

func TestAllocateRelease_AdjacentCoalesce(t *testing.T) {
	// One 10-page region: 2 pages hold descriptors, leaving a single free
	// group of 8, so the 3-page and 5-page runs are carved side by side.
	mem := make([]byte, 10*testPageSize+testPageSize)
	regions := []Region{regionFromPages(mem, 10)}

	run := func() {
		a := New()
		require.True(t, a.Init(regions, testPageSize))

		pA := a.Allocate(3)
		require.NotNil(t, pA)
		pB := a.Allocate(5)
		require.NotNil(t, pB)

		a.Release(pA)
		a.Release(pB)

		merged := a.GetPage(pA.Address())
		require.NotNil(t, merged)
		assert.Equal(t, 8, merged.GroupSize())
		assert.Equal(t, groupIdx(8), 2)
	}
	run()

	runReverseOrder := func() {
		a := New()
		require.True(t, a.Init(regions, testPageSize))

		pA := a.Allocate(3)
		require.NotNil(t, pA)
		pB := a.Allocate(5)
		require.NotNil(t, pB)

		a.Release(pB)
		a.Release(pA)

		merged := a.GetPage(pA.Address())
		require.NotNil(t, merged)
		assert.Equal(t, 8, merged.GroupSize())
	}
	runReverseOrder()
}

func TestAllocateRelease_RandomizedCyclesPreserveShape(t *testing.T) {
	mem1 := make([]byte, 535*testPageSize+testPageSize)
	mem2 := make([]byte, 87*testPageSize+testPageSize)
	mem3 := make([]byte, 4*testPageSize+testPageSize)
	regions := []Region{
		regionFromPages(mem1, 535),
		regionFromPages(mem2, 87),
		regionFromPages(mem3, 4),
	}

	a := New()
	require.True(t, a.Init(regions, testPageSize))

	baseline := a.GetStats().FreePagesCount
	maxAlloc := baseline / 4

	seed := uint64(88172645463325252)
	nextRand := func(bound int) int {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		if bound <= 0 {
			return 0
		}
		return int(seed % uint64(bound+1))
	}

	const cycles = 50
	for cycle := 0; cycle < cycles; cycle++ {
		var outstanding []*Page
		for i := 0; i < 100; i++ {
			n := nextRand(maxAlloc)
			if n == 0 {
				n = 1
			}
			outstanding = append(outstanding, a.Allocate(n))
		}
		for _, p := range outstanding {
			a.Release(p)
		}

		require.Equal(t, baseline, a.GetStats().FreePagesCount)

		idx1 := a.freeGroupLists[groupIdx(4)]
		require.NotEqual(t, noGroup, idx1)
		assert.Equal(t, int32(4), a.pages[idx1].groupSize)

		idx2 := a.freeGroupLists[groupIdx(8)]
		require.NotEqual(t, noGroup, idx2)
		assert.Equal(t, int32(8), a.pages[idx2].groupSize)

		idx8 := a.freeGroupLists[groupIdx(535)]
		require.NotEqual(t, noGroup, idx8)
		assert.Equal(t, int32(535), a.pages[idx8].groupSize)
	}
}

func TestGetPage_OutsideRegionsReturnsNil(t *testing.T) {
	mem := make([]byte, testPageSize+testPageSize)
	a := New()
	require.True(t, a.Init([]Region{regionFromPages(mem, 1)}, testPageSize))

	assert.Nil(t, a.GetPage(Addr(^uintptr(0))))
}

func TestReleaseNil_IsNoOp(t *testing.T) {
	mem := make([]byte, testPageSize+testPageSize)
	a := New()
	require.True(t, a.Init([]Region{regionFromPages(mem, 1)}, testPageSize))

	before := a.GetStats()
	a.Release(nil)
	assert.Equal(t, before, a.GetStats())
}
