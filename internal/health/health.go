// Package health reports resource usage of the local replica store.
package health

import (
	"os"

	"github.com/shirou/gopsutil/process"
)

// MemoryStats describes the memory footprint relevant to the store.
type MemoryStats struct {
	// ArenaBytes is the size of the local serialized-block arena.
	ArenaBytes uint64
	// StoredRanges is the number of block ranges replicated locally.
	StoredRanges int
	// ProcessRSS is the resident set size of this process; 0 if the
	// platform does not expose it.
	ProcessRSS uint64
}

// Collect fills in the process-level numbers around the store-level
// figures the caller already knows.
func Collect(arenaBytes uint64, storedRanges int) MemoryStats {
	stats := MemoryStats{
		ArenaBytes:   arenaBytes,
		StoredRanges: storedRanges,
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.ProcessRSS = mem.RSS
	}
	return stats
}
