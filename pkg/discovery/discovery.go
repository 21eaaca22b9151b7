package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"

	"github.com/driftwire/driftwire/pkg/config"
)

var log = logging.Logger("discovery")

const (
	dhtProtocolPrefix = "/driftwire"

	announceInterval = 30 * time.Second
	peerStaleAfter   = 5 * time.Minute
)

// Announcement is the availability record gossiped on the swarm topic
type Announcement struct {
	ID        peer.ID   `json:"id"`
	Addresses []string  `json:"addresses"`
	Timestamp time.Time `json:"timestamp"`
}

// PeerInfo is what the service remembers about an announced peer
type PeerInfo struct {
	ID        peer.ID
	Addresses []string
	LastSeen  time.Time
}

// Service finds transfer peers. It bootstraps a Kademlia routing table,
// provides the topic-derived cid so peers outside the mesh can locate us,
// and gossips availability announcements over pubsub.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	host  host.Host
	dht   *dht.IpfsDHT
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	cid   cid.Cid

	mu    sync.RWMutex
	peers map[peer.ID]*PeerInfo
}

// NewService joins the DHT and the availability topic and starts the
// announce and listen loops
func NewService(ctx context.Context, h host.Host, cfg *config.Config) (*Service, error) {
	kadDHT, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(dhtProtocolPrefix),
	)
	if err != nil {
		return nil, fmt.Errorf("create dht: %w", err)
	}

	bootstrap, err := cfg.ParseBootstrapPeers()
	if err != nil {
		kadDHT.Close()
		return nil, err
	}
	for _, info := range bootstrap {
		if err := h.Connect(ctx, info); err != nil {
			log.Warnw("bootstrap peer unreachable", "peer", info.ID, "err", err)
		}
	}
	if err := kadDHT.Bootstrap(ctx); err != nil {
		kadDHT.Close()
		return nil, fmt.Errorf("bootstrap dht: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
	)
	if err != nil {
		kadDHT.Close()
		return nil, fmt.Errorf("create pubsub: %w", err)
	}

	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		kadDHT.Close()
		return nil, fmt.Errorf("join topic %s: %w", cfg.Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		kadDHT.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	topicCID, err := TopicCID(cfg.Topic)
	if err != nil {
		sub.Cancel()
		topic.Close()
		kadDHT.Close()
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:    sctx,
		cancel: cancel,
		host:   h,
		dht:    kadDHT,
		topic:  topic,
		sub:    sub,
		cid:    topicCID,
		peers:  make(map[peer.ID]*PeerInfo),
	}

	go s.announceLoop()
	go s.listenLoop()
	go s.expireLoop()

	return s, nil
}

// TopicCID derives the provider record key for a swarm topic
func TopicCID(topic string) (cid.Cid, error) {
	sum, err := mh.Sum([]byte(topic), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash topic: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Announce publishes one availability record and refreshes our provider
// entry in the DHT
func (s *Service) Announce(ctx context.Context) error {
	addrs := make([]string, 0, len(s.host.Addrs()))
	for _, a := range s.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	data, err := json.Marshal(&Announcement{
		ID:        s.host.ID(),
		Addresses: addrs,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := s.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}
	if err := s.dht.Provide(ctx, s.cid, true); err != nil {
		// A thin routing table is expected early on; the next tick retries
		log.Debugw("dht provide failed", "err", err)
	}
	return nil
}

// FindProviders asks the DHT for peers providing the swarm topic
func (s *Service) FindProviders(ctx context.Context) ([]peer.AddrInfo, error) {
	providers, err := s.dht.FindProviders(ctx, s.cid)
	if err != nil {
		return nil, fmt.Errorf("find providers: %w", err)
	}
	out := providers[:0]
	for _, p := range providers {
		if p.ID != s.host.ID() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Peers returns a snapshot of peers that have announced recently
func (s *Service) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, info := range s.peers {
		out = append(out, *info)
	}
	return out
}

func (s *Service) announceLoop() {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	// First announcement goes out immediately
	if err := s.Announce(s.ctx); err != nil {
		log.Debugw("initial announce failed", "err", err)
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Announce(s.ctx); err != nil {
				log.Debugw("announce failed", "err", err)
			}
		}
	}
}

func (s *Service) listenLoop() {
	for {
		msg, err := s.sub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}
		var ann Announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			log.Debugw("dropping malformed announcement", "from", msg.ReceivedFrom, "err", err)
			continue
		}
		s.record(&ann)
	}
}

func (s *Service) record(ann *Announcement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.peers[ann.ID]
	if !ok {
		s.peers[ann.ID] = &PeerInfo{ID: ann.ID, Addresses: ann.Addresses, LastSeen: time.Now()}
		log.Infow("peer announced", "peer", ann.ID)
		return
	}
	existing.Addresses = ann.Addresses
	existing.LastSeen = time.Now()
}

func (s *Service) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, info := range s.peers {
				if now.Sub(info.LastSeen) > peerStaleAfter {
					delete(s.peers, id)
					log.Debugw("peer expired", "peer", id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the loops and releases the topic and DHT
func (s *Service) Close() error {
	s.cancel()
	s.sub.Cancel()
	if err := s.topic.Close(); err != nil {
		log.Debugw("topic close", "err", err)
	}
	return s.dht.Close()
}
