package device

import (
	"runtime"

	"github.com/pbnjay/memory"
)

// Capabilities is a point-in-time snapshot of the local machine, consumed
// only to pick transfer defaults. Hardware probing beyond this lives outside
// the subsystem.
type Capabilities struct {
	TotalMemory uint64 `json:"total_memory"`
	CPUCount    int    `json:"cpu_count"`
}

// Snapshot captures the current device capabilities
func Snapshot() Capabilities {
	return Capabilities{
		TotalMemory: memory.TotalMemory(),
		CPUCount:    runtime.NumCPU(),
	}
}

// SuggestChunkSize picks a default chunk size from the memory snapshot.
// Small devices stay at 64 KiB, larger ones move whole chunks of 256 KiB.
func (c Capabilities) SuggestChunkSize() int {
	const (
		small = 64 * 1024
		large = 256 * 1024
	)
	if c.TotalMemory >= 8<<30 {
		return large
	}
	return small
}

// BandwidthFactor scales the configured dense byte budget. Constrained
// devices get half the budget so transfers never starve the rest of the
// process.
func (c Capabilities) BandwidthFactor() float64 {
	if c.TotalMemory > 0 && c.TotalMemory < 2<<30 {
		return 0.5
	}
	return 1.0
}
