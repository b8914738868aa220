package page

// Stats is a point-in-time snapshot of the allocator's bookkeeping,
// exposed purely for observability; nothing in the allocator consults it.
type Stats struct {
	PageSize            uintptr
	TotalMemorySize     uintptr
	EffectiveMemorySize uintptr
	UserMemorySize      uintptr
	FreeMemorySize      uintptr
	TotalPagesCount     int
	ReservedPagesCount  int
	FreePagesCount      int
}

// GetStats returns the current Stats snapshot.
func (a *Allocator) GetStats() Stats {
	reserved := a.descPagesCount
	return Stats{
		PageSize:            a.pageSize,
		TotalMemorySize:     a.totalMemorySize,
		EffectiveMemorySize: a.effectiveMemorySize,
		UserMemorySize:      a.effectiveMemorySize - uintptr(reserved)*a.pageSize,
		FreeMemorySize:      uintptr(a.freePagesCount) * a.pageSize,
		TotalPagesCount:     a.pagesCount,
		ReservedPagesCount:  reserved,
		FreePagesCount:      a.freePagesCount,
	}
}
