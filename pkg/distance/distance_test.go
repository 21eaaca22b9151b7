package distance

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/pkg/config"
	"github.com/driftwire/driftwire/pkg/types"
)

func testThresholds() config.DistanceConfig {
	return config.DistanceConfig{
		NearMax:      50 * time.Millisecond,
		RegionalMax:  150 * time.Millisecond,
		FarMax:       300 * time.Millisecond,
		ProbeTimeout: 5 * time.Second,
	}
}

func TestClassifyRTTStepFunction(t *testing.T) {
	cfg := testThresholds()

	cases := []struct {
		rtt  time.Duration
		want types.DistanceLevel
	}{
		{10 * time.Millisecond, types.DistanceNear},
		{50 * time.Millisecond, types.DistanceRegional},
		{150 * time.Millisecond, types.DistanceFar},
		{350 * time.Millisecond, types.DistanceVeryFar},
	}

	prev := types.DistanceUnknown
	for _, tc := range cases {
		got := ClassifyRTT(tc.rtt, cfg)
		assert.Equal(t, tc.want, got, "rtt=%s", tc.rtt)
		assert.GreaterOrEqual(t, int(got), int(prev), "levels must be non-decreasing in RTT")
		prev = got
	}
}

func TestClassifyRejectsNegativeRTT(t *testing.T) {
	assert.Equal(t, types.DistanceUnknown, ClassifyRTT(-time.Millisecond, testThresholds()))
}

func TestDirectSamplePreferredOverRelays(t *testing.T) {
	e := NewEstimator(nil, testThresholds(), nil)

	target := peer.ID("target")
	relay := peer.ID("relay-1")

	require.NoError(t, e.RecordRelaySample(relay, 400*time.Millisecond))
	assert.Equal(t, types.DistanceVeryFar, e.Classify(target), "falls back to relay estimate")

	require.NoError(t, e.RecordDirectSample(target, 20*time.Millisecond))
	assert.Equal(t, types.DistanceNear, e.Classify(target), "direct RTT wins")
}

func TestLatestRelaySampleOnly(t *testing.T) {
	e := NewEstimator(nil, testThresholds(), nil)
	relay := peer.ID("relay-1")

	require.NoError(t, e.RecordRelaySample(relay, 400*time.Millisecond))
	require.NoError(t, e.RecordRelaySample(relay, 30*time.Millisecond))

	assert.Equal(t, types.DistanceNear, e.Classify(peer.ID("anyone")),
		"only the freshest sample counts, no history")
}

func TestMinimumRelayRTTUsed(t *testing.T) {
	e := NewEstimator(nil, testThresholds(), nil)

	require.NoError(t, e.RecordRelaySample(peer.ID("relay-1"), 280*time.Millisecond))
	require.NoError(t, e.RecordRelaySample(peer.ID("relay-2"), 90*time.Millisecond))

	assert.Equal(t, types.DistanceRegional, e.Classify(peer.ID("p")))
}

func TestNegativeSampleRejected(t *testing.T) {
	e := NewEstimator(nil, testThresholds(), nil)
	assert.Error(t, e.RecordRelaySample(peer.ID("r"), -time.Second))
	assert.Error(t, e.RecordDirectSample(peer.ID("p"), -time.Second))
	assert.Equal(t, types.DistanceUnknown, e.Classify(peer.ID("p")))
}

func TestDescriptionHidesRawRTT(t *testing.T) {
	e := NewEstimator(nil, testThresholds(), nil)
	target := peer.ID("target")
	require.NoError(t, e.RecordDirectSample(target, 37*time.Millisecond))

	desc := e.GetDistanceDescription(target)
	assert.Equal(t, "near", desc)
	assert.NotContains(t, desc, "37")
}

func newPingHost(t *testing.T) host.Host {
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestProbePeerOverLoopback(t *testing.T) {
	h1 := newPingHost(t)
	h2 := newPingHost(t)

	err := h1.Connect(context.Background(), peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()})
	require.NoError(t, err)

	e := NewEstimator(h1, testThresholds(), nil)
	require.NoError(t, e.ProbePeer(context.Background(), h2.ID()))

	assert.Equal(t, types.DistanceNear, e.Classify(h2.ID()),
		"loopback RTT must classify as near")
}
