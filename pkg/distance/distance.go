package distance

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"

	"github.com/driftwire/driftwire/pkg/config"
	"github.com/driftwire/driftwire/pkg/types"
)

var log = logging.Logger("distance")

// Estimator samples round-trip latency to well-known relay endpoints and to
// direct peers, then classifies proximity into coarse levels. Only the level
// ever leaves this package, never a raw RTT.
type Estimator struct {
	host   host.Host
	cfg    config.DistanceConfig
	relays []peer.AddrInfo

	mu            sync.RWMutex
	relaySamples  map[peer.ID]time.Duration // latest sample per relay only
	directSamples map[peer.ID]time.Duration // latest direct end-to-end RTT per peer
}

// NewEstimator creates an estimator probing the given relay endpoints
func NewEstimator(h host.Host, cfg config.DistanceConfig, relays []peer.AddrInfo) *Estimator {
	return &Estimator{
		host:          h,
		cfg:           cfg,
		relays:        relays,
		relaySamples:  make(map[peer.ID]time.Duration),
		directSamples: make(map[peer.ID]time.Duration),
	}
}

// ClassifyRTT maps a round-trip time onto the ordered distance levels. The
// thresholds come from configuration, and the mapping is a pure monotonic
// step function of the input.
func ClassifyRTT(rtt time.Duration, cfg config.DistanceConfig) types.DistanceLevel {
	switch {
	case rtt < 0:
		return types.DistanceUnknown
	case rtt < cfg.NearMax:
		return types.DistanceNear
	case rtt < cfg.RegionalMax:
		return types.DistanceRegional
	case rtt < cfg.FarMax:
		return types.DistanceFar
	default:
		return types.DistanceVeryFar
	}
}

// probe runs one ping round trip against p and returns the measured RTT
func (e *Estimator) probe(ctx context.Context, p peer.ID) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProbeTimeout)
	defer cancel()

	select {
	case res := <-ping.Ping(ctx, e.host, p):
		if res.Error != nil {
			return 0, fmt.Errorf("ping %s: %w", p, res.Error)
		}
		return res.RTT, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ProbeRelays measures RTT to every configured relay, keeping only the most
// recent sample per relay. Unreachable relays keep their previous sample.
func (e *Estimator) ProbeRelays(ctx context.Context) {
	for _, relay := range e.relays {
		if err := e.host.Connect(ctx, relay); err != nil {
			log.Debugw("relay unreachable", "relay", relay.ID, "err", err)
			continue
		}
		rtt, err := e.probe(ctx, relay.ID)
		if err != nil {
			log.Debugw("relay probe failed", "relay", relay.ID, "err", err)
			continue
		}
		e.RecordRelaySample(relay.ID, rtt)
	}
}

// ProbePeer measures the direct end-to-end RTT to a specific peer and
// records it
func (e *Estimator) ProbePeer(ctx context.Context, p peer.ID) error {
	rtt, err := e.probe(ctx, p)
	if err != nil {
		return err
	}
	return e.RecordDirectSample(p, rtt)
}

// RecordRelaySample stores the freshest RTT for a relay. Negative samples
// are rejected.
func (e *Estimator) RecordRelaySample(relay peer.ID, rtt time.Duration) error {
	if rtt < 0 {
		return fmt.Errorf("negative RTT sample for relay %s", relay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relaySamples[relay] = rtt
	return nil
}

// RecordDirectSample stores the freshest direct RTT for a peer
func (e *Estimator) RecordDirectSample(p peer.ID, rtt time.Duration) error {
	if rtt < 0 {
		return fmt.Errorf("negative RTT sample for peer %s", p)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.directSamples[p] = rtt
	return nil
}

// bestRTT picks the direct sample when one exists, otherwise the minimum
// relay sample
func (e *Estimator) bestRTT(p peer.ID) (time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if rtt, ok := e.directSamples[p]; ok {
		return rtt, true
	}
	var best time.Duration
	found := false
	for _, rtt := range e.relaySamples {
		if !found || rtt < best {
			best = rtt
			found = true
		}
	}
	return best, found
}

// Classify returns the distance level for a peer from the freshest samples
func (e *Estimator) Classify(p peer.ID) types.DistanceLevel {
	rtt, ok := e.bestRTT(p)
	if !ok {
		return types.DistanceUnknown
	}
	return ClassifyRTT(rtt, e.cfg)
}

// GetDistanceDescription returns the qualitative level for a peer and
// nothing else
func (e *Estimator) GetDistanceDescription(p peer.ID) string {
	return e.Classify(p).String()
}
