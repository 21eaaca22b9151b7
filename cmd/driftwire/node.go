package main

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/driftwire/driftwire/pkg/config"
	"github.com/driftwire/driftwire/pkg/connmgr"
	"github.com/driftwire/driftwire/pkg/distance"
	"github.com/driftwire/driftwire/pkg/eventbus"
	"github.com/driftwire/driftwire/pkg/transfer"
)

var log = logging.Logger("driftwire")

// node bundles the subsystems one process runs
type node struct {
	cfg       *config.Config
	host      host.Host
	bus       *eventbus.Bus
	conns     *connmgr.Manager
	estimator *distance.Estimator
	engine    *transfer.Engine
}

// loadConfig resolves the file, then applies command-line overrides
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if len(opts.Listen) > 0 {
		cfg.ListenAddrs = opts.Listen
	}
	if opts.Topic != "" {
		cfg.Topic = opts.Topic
	}
	if len(opts.Bootstrap) > 0 {
		cfg.BootstrapPeers = opts.Bootstrap
	}
	if len(opts.Relay) > 0 {
		cfg.RelayEndpoints = opts.Relay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newNode(ctx context.Context, cfg *config.Config, outputDir string) (*node, error) {
	if err := logging.SetLogLevel("*", opts.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.LogLevel, err)
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	bus := eventbus.NewBus(cfg.EventHistory)
	conns := connmgr.NewManager(h, connmgr.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendTimeout:      cfg.SendTimeout,
		IdleTTL:          cfg.IdleConnTTL,
		SendRetries:      cfg.SendRetries,
	}, bus)

	relays, err := cfg.ParseRelayEndpoints()
	if err != nil {
		h.Close()
		return nil, err
	}
	var est *distance.Estimator
	if len(relays) > 0 {
		est = distance.NewEstimator(h, cfg.Distance, relays)
		go est.ProbeRelays(ctx)
	}

	engine := transfer.NewEngine(cfg, conns, bus, est, outputDir)

	log.Infow("node up", "id", h.ID(), "addrs", h.Addrs())
	return &node{
		cfg:       cfg,
		host:      h,
		bus:       bus,
		conns:     conns,
		estimator: est,
		engine:    engine,
	}, nil
}

func (n *node) close() {
	n.engine.Close()
	n.conns.Close()
	n.bus.Close()
	if err := n.host.Close(); err != nil {
		log.Debugw("host close", "err", err)
	}
}
