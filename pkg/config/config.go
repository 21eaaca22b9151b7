package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Config holds all tunables for the distribution subsystem
type Config struct {
	// Topic names the distribution swarm; discovery announcements and the
	// DHT provider key are derived from it
	Topic string `json:"topic"`

	// ListenAddrs are the multiaddrs the local host binds to
	ListenAddrs []string `json:"listen_addrs"`

	// BootstrapPeers seed the discovery collaborator
	BootstrapPeers []string `json:"bootstrap_peers"`

	// RelayEndpoints are probed by the distance estimator
	RelayEndpoints []string `json:"relay_endpoints"`

	Bandwidth BandwidthConfig `json:"bandwidth"`
	Distance  DistanceConfig  `json:"distance"`

	// ChunkSize is the default chunk length in bytes; 0 lets the device
	// snapshot pick one
	ChunkSize int `json:"chunk_size"`

	// MaxChunkRetries bounds per-chunk send attempts before the whole
	// session fails
	MaxChunkRetries int `json:"max_chunk_retries"`

	// SendRetries bounds transport-level attempts inside a single send call
	SendRetries int `json:"send_retries"`

	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	SendTimeout      time.Duration `json:"send_timeout"`

	// IdleConnTTL expires pooled connections, checked lazily on access
	IdleConnTTL time.Duration `json:"idle_conn_ttl"`

	// EventHistory bounds the dashboard's rolling event window
	EventHistory int `json:"event_history"`
}

// BandwidthConfig parameterizes the rotating-window budget
type BandwidthConfig struct {
	SparsePerWindow     uint32        `json:"sparse_per_window"`
	DenseBytesPerWindow int           `json:"dense_bytes_per_window"`
	Window              time.Duration `json:"window"`
}

// DistanceConfig holds the RTT classification thresholds. They are
// configuration on purpose: the levels must stay tunable per deployment.
type DistanceConfig struct {
	NearMax      time.Duration `json:"near_max"`
	RegionalMax  time.Duration `json:"regional_max"`
	FarMax       time.Duration `json:"far_max"`
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

// DefaultConfig returns the default subsystem configuration
func DefaultConfig() *Config {
	return &Config{
		Topic: "driftwire-models",
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		Bandwidth: BandwidthConfig{
			SparsePerWindow:     12,
			DenseBytesPerWindow: 256 * 1024,
			Window:              60 * time.Second,
		},
		Distance: DistanceConfig{
			NearMax:      50 * time.Millisecond,
			RegionalMax:  150 * time.Millisecond,
			FarMax:       300 * time.Millisecond,
			ProbeTimeout: 5 * time.Second,
		},
		ChunkSize:        64 * 1024,
		MaxChunkRetries:  3,
		SendRetries:      2,
		HandshakeTimeout: 10 * time.Second,
		SendTimeout:      30 * time.Second,
		IdleConnTTL:      10 * time.Minute,
		EventHistory:     512,
	}
}

// Validate rejects configurations the subsystem cannot run with
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if c.Bandwidth.Window <= 0 {
		return fmt.Errorf("bandwidth window must be positive")
	}
	if c.Bandwidth.DenseBytesPerWindow <= 0 {
		return fmt.Errorf("dense byte budget must be positive")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative")
	}
	if c.MaxChunkRetries < 1 {
		return fmt.Errorf("chunk retry bound must be at least 1")
	}
	if c.Distance.NearMax >= c.Distance.RegionalMax || c.Distance.RegionalMax >= c.Distance.FarMax {
		return fmt.Errorf("distance thresholds must be strictly increasing")
	}
	if _, err := c.ParseBootstrapPeers(); err != nil {
		return err
	}
	if _, err := c.ParseRelayEndpoints(); err != nil {
		return err
	}
	return nil
}

// Load reads a JSON config file over the defaults, so partial files only
// override what they name
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseBootstrapPeers resolves the configured bootstrap addresses into
// dialable peer infos
func (c *Config) ParseBootstrapPeers() ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(c.BootstrapPeers))
	for _, s := range c.BootstrapPeers {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap peer %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q has no peer ID: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// ParseRelayEndpoints resolves the configured relay addresses
func (c *Config) ParseRelayEndpoints() ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(c.RelayEndpoints))
	for _, s := range c.RelayEndpoints {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid relay endpoint %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("relay endpoint %q has no peer ID: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}
