package page

// MaxRegions bounds the number of input regions an Allocator will ever
// inspect. This mirrors the reference implementation's fixed-capacity
// region array: ingestion must refuse to read past it even if a caller
// forgets the zero-sized sentinel.
const MaxRegions = 8

// Region describes one caller-supplied contiguous span of physically owned
// memory. A Region with Size == 0 acts as a sentinel: region ingestion
// stops there, the same semantic as a null-terminated array without the
// over-read risk (Init is also bounded by MaxRegions regardless).
type Region struct {
	Address Addr
	Size    uintptr
}

// RegionFromBytes derives a Region from a caller-owned byte slice. This is
// the Go-native stand-in for carving a Region out of a raw physical address
// range: the slice's backing array is treated as the "physically owned"
// memory the allocator will subdivide into pages, and the caller retains
// ownership for as long as the Allocator is in use (the Allocator never
// frees or resizes it).
func RegionFromBytes(buf []byte) Region {
	if len(buf) == 0 {
		return Region{}
	}
	return Region{
		Address: addrOfSlice(buf),
		Size:    uintptr(len(buf)),
	}
}

// regionInfo is the derived, page-aligned view of one valid input region.
type regionInfo struct {
	start, end               Addr
	alignedStart, alignedEnd Addr
	size, alignedSize        uintptr
	pageCount                int

	// firstPage, lastPage are inclusive indices into Allocator.pages
	// covering this region's pages in address order.
	firstPage, lastPage int
}
