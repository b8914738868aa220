// Command pgallocdemo exercises the page and zone allocators against a
// carved-up in-process arena. It is a smoke-test harness and usage example,
// not part of the allocator's API surface.
package main

import (
	"fmt"
	"os"

	"github.com/oskit/pagealloc/internal/logging"
	"github.com/oskit/pagealloc/page"
	"github.com/oskit/pagealloc/zone"
)

const demoPageSize = 4096

func main() {
	logger := logging.Default("pgallocdemo")
	logger.Info("allocator demo starting")

	arena := make([]byte, 1<<20+demoPageSize) // 1MB of arena, plus slack for page alignment
	region := page.RegionFromBytes(arena)

	core := page.New(page.WithLogger(logger))
	if !core.Init([]page.Region{region}, demoPageSize) {
		logger.Error("core init failed")
		os.Exit(1)
	}

	stats := core.GetStats()
	logger.Info("core initialized",
		logging.Int("totalPages", stats.TotalPagesCount),
		logging.Int("reservedPages", stats.ReservedPagesCount),
		logging.Int("freePages", stats.FreePagesCount),
	)

	run := core.Allocate(4)
	if run == nil {
		logger.Error("page allocation failed")
		os.Exit(1)
	}
	fmt.Printf("allocated 4-page run at %#x\n", uintptr(run.Address()))
	core.Release(run)

	z := zone.New(core, demoPageSize, zone.WithLogger(logger))
	addr, err := z.Allocate(32)
	if err != nil {
		logger.Error("zone allocation failed", logging.Err(err))
		os.Exit(1)
	}
	fmt.Printf("allocated 32-byte object at %#x\n", uintptr(addr))

	if err := z.Free(addr); err != nil {
		logger.Error("zone free failed", logging.Err(err))
		os.Exit(1)
	}

	final := core.GetStats()
	fmt.Printf("final free pages: %d / %d\n", final.FreePagesCount, final.TotalPagesCount)
}
