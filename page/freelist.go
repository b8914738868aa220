package page

import "math/bits"

// maxGroupIdx is the highest free-group list index, sized (reference: 20
// lists, indices 0..19) to cover runs up to just under 2^21 pages.
const maxGroupIdx = 19
const groupListCount = maxGroupIdx + 1

// groupIdx maps a free-group size to its list index. Bucket 0 covers sizes
// {0,1,2,3} rather than just {1}; every other bucket i covers
// [2^(i+1), 2^(i+2)-1]. This quirk is load-bearing (see the 4-page group in
// TestInit_ThreeRegionsTightFit) and must be preserved exactly as written here,
// not re-derived from a plain ceil(log2) formula.
func groupIdx(n int) int {
	if n <= 3 {
		return 0
	}
	// bits.Len(n) == floor(log2(n)) + 1 for n >= 1.
	return bits.Len(uint(n)) - 2
}

// noGroup marks the absence of a free-group list link.
const noGroup int32 = -1

// addGroup installs the run [head, head+n) as a free group of size n: it
// writes groupSize on both the head and tail descriptor and pushes the
// group onto lists[groupIdx(n)].
func (a *Allocator) addGroup(head int, n int) {
	idx := groupIdx(n)
	tail := head + n - 1

	a.pages[head].groupSize = int32(n)
	a.pages[tail].groupSize = int32(n)

	oldHead := a.freeGroupLists[idx]
	a.pages[head].prevGroup = noGroup
	a.pages[head].nextGroup = oldHead
	if oldHead != noGroup {
		a.pages[oldHead].prevGroup = int32(head)
	}
	a.freeGroupLists[idx] = int32(head)
}

// removeGroup unlinks the free group headed at head (with recorded size n)
// from its list and clears groupSize on both ends.
func (a *Allocator) removeGroup(head int, n int) {
	idx := groupIdx(n)
	tail := head + n - 1

	prev := a.pages[head].prevGroup
	next := a.pages[head].nextGroup

	if prev != noGroup {
		a.pages[prev].nextGroup = next
	} else {
		a.freeGroupLists[idx] = next
	}
	if next != noGroup {
		a.pages[next].prevGroup = prev
	}

	a.pages[head].prevGroup = noGroup
	a.pages[head].nextGroup = noGroup
	a.pages[head].groupSize = 0
	a.pages[tail].groupSize = 0
}
