package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggestChunkSize(t *testing.T) {
	small := Capabilities{TotalMemory: 1 << 30, CPUCount: 2}
	assert.Equal(t, 64*1024, small.SuggestChunkSize())

	large := Capabilities{TotalMemory: 16 << 30, CPUCount: 8}
	assert.Equal(t, 256*1024, large.SuggestChunkSize())
}

func TestBandwidthFactor(t *testing.T) {
	constrained := Capabilities{TotalMemory: 1 << 30}
	assert.Equal(t, 0.5, constrained.BandwidthFactor())

	roomy := Capabilities{TotalMemory: 8 << 30}
	assert.Equal(t, 1.0, roomy.BandwidthFactor())

	// Zero means the probe failed; do not punish the transfer for it
	unknown := Capabilities{}
	assert.Equal(t, 1.0, unknown.BandwidthFactor())
}

func TestSnapshotPopulatesCPUCount(t *testing.T) {
	caps := Snapshot()
	assert.Greater(t, caps.CPUCount, 0)
}
