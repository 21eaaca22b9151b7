package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/driftwire/driftwire/pkg/eventbus"
	"github.com/driftwire/driftwire/pkg/types"
)

var log = logging.Logger("connmgr")

// TransferProtocol is the stream protocol carrying transfer messages. One
// logical stream is opened per message so unrelated transfers never suffer
// head-of-line blocking from each other.
const TransferProtocol = protocol.ID("/driftwire/transfer/1.0.0")

// maxMessageSize bounds a single inbound message envelope
const maxMessageSize = 16 << 20

const (
	statusAccepted = byte(1)
	statusRejected = byte(0)
)

// Inbound is one received message with the peer it came from
type Inbound struct {
	Peer    peer.ID
	Payload []byte
}

// Stats is a read-only view of one pooled connection
type Stats struct {
	Peer          peer.ID   `json:"peer"`
	OpenedAt      time.Time `json:"opened_at"`
	LastUsed      time.Time `json:"last_used"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	StreamsOpened uint64    `json:"streams_opened"`
}

// Options tunes the manager
type Options struct {
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration
	IdleTTL          time.Duration
	SendRetries      int
}

type connEntry struct {
	openedAt      time.Time
	lastUsed      time.Time
	bytesSent     uint64
	bytesReceived uint64
	streamsOpened uint64
}

// Manager pools peer connections over a libp2p host and moves transfer
// messages as stream-per-message payloads. Structural pool changes are
// mutex-guarded; idle entries expire lazily on the next access, there is no
// background sweeper.
type Manager struct {
	host host.Host
	opts Options
	bus  *eventbus.Bus

	mu    sync.Mutex
	conns map[peer.ID]*connEntry

	// validate inspects an inbound payload before it is acknowledged;
	// a non-nil error rejects the stream and the message is dropped
	validate func(peer.ID, []byte) error

	inbound chan Inbound
	closed  chan struct{}
	once    sync.Once
}

// NewManager wires the manager onto a host and installs the stream handler
func NewManager(h host.Host, opts Options, bus *eventbus.Bus) *Manager {
	m := &Manager{
		host:    h,
		opts:    opts,
		bus:     bus,
		conns:   make(map[peer.ID]*connEntry),
		inbound: make(chan Inbound, 64),
		closed:  make(chan struct{}),
	}
	h.SetStreamHandler(TransferProtocol, m.handleStream)
	return m
}

// SetInboundValidator installs the payload check run before a stream is
// acknowledged. Must be set before traffic arrives.
func (m *Manager) SetInboundValidator(fn func(peer.ID, []byte) error) {
	m.validate = fn
}

// Connect is idempotent: a pooled, still-live connection is reused without a
// second handshake.
func (m *Manager) Connect(ctx context.Context, info peer.AddrInfo) error {
	m.mu.Lock()
	if entry, ok := m.conns[info.ID]; ok && !m.expired(entry) &&
		m.host.Network().Connectedness(info.ID) == network.Connected {
		entry.lastUsed = time.Now()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	if err := m.host.Connect(ctx, info); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("handshake with %s timed out: %w", info.ID, types.ErrConnectionFailed)
		}
		return fmt.Errorf("handshake with %s: %v: %w", info.ID, err, types.ErrConnectionFailed)
	}

	now := time.Now()
	m.mu.Lock()
	fresh := false
	if _, ok := m.conns[info.ID]; !ok {
		m.conns[info.ID] = &connEntry{openedAt: now, lastUsed: now}
		fresh = true
	} else {
		m.conns[info.ID].lastUsed = now
	}
	m.mu.Unlock()

	if fresh {
		log.Infow("peer connected", "peer", info.ID)
		m.bus.Publish(types.PeerConnectionChanged{PeerID: info.ID.String(), Connected: true})
	}
	return nil
}

// expired reports whether a pool entry has sat idle past the TTL.
// Caller holds m.mu.
func (m *Manager) expired(e *connEntry) bool {
	return m.opts.IdleTTL > 0 && time.Since(e.lastUsed) > m.opts.IdleTTL
}

// touch fetches the pool entry for p, expiring it lazily if stale
func (m *Manager) touch(p peer.ID) (*connEntry, error) {
	m.mu.Lock()
	entry, ok := m.conns[p]
	if ok && m.expired(entry) {
		delete(m.conns, p)
		m.mu.Unlock()
		m.bus.Publish(types.PeerConnectionChanged{PeerID: p.String(), Connected: false})
		return nil, fmt.Errorf("connection to %s expired: %w", p, types.ErrNotConnected)
	}
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no connection to %s: %w", p, types.ErrNotConnected)
	}
	entry.lastUsed = time.Now()
	m.mu.Unlock()
	return entry, nil
}

// Send delivers one message to p on a fresh stream and waits for the remote
// acknowledgment byte. Transport failures and timeouts are retried up to the
// bounded attempt count, then surface as a connection error.
func (m *Manager) Send(ctx context.Context, p peer.ID, payload []byte) error {
	entry, err := m.touch(p)
	if err != nil {
		return err
	}

	attempts := m.opts.SendRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("send to %s: %v: %w", p, err, types.ErrConnectionFailed)
		}
		err := m.sendOnce(ctx, p, entry, payload)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrChecksumMismatch) {
			// The remote rejected the content, not the transport;
			// retrying the same bytes here cannot help
			return err
		}
		lastErr = err
		log.Debugw("send attempt failed", "peer", p, "attempt", i+1, "err", err)
	}
	return lastErr
}

func (m *Manager) sendOnce(ctx context.Context, p peer.ID, entry *connEntry, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()

	stream, err := m.host.NewStream(ctx, p, TransferProtocol)
	if err != nil {
		return fmt.Errorf("open stream to %s: %v: %w", p, err, types.ErrConnectionFailed)
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(m.opts.SendTimeout))

	if _, err := stream.Write(payload); err != nil {
		stream.Reset()
		return fmt.Errorf("write to %s: %v: %w", p, err, types.ErrConnectionFailed)
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return fmt.Errorf("finish stream to %s: %v: %w", p, err, types.ErrConnectionFailed)
	}

	status := make([]byte, 1)
	if _, err := io.ReadFull(stream, status); err != nil {
		stream.Reset()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("ack from %s timed out: %w", p, types.ErrConnectionFailed)
		}
		return fmt.Errorf("read ack from %s: %v: %w", p, err, types.ErrConnectionFailed)
	}
	if status[0] != statusAccepted {
		return fmt.Errorf("peer %s rejected message: %w", p, types.ErrChecksumMismatch)
	}

	m.mu.Lock()
	entry.bytesSent += uint64(len(payload))
	entry.streamsOpened++
	entry.lastUsed = time.Now()
	m.mu.Unlock()
	return nil
}

// handleStream reads one message from an inbound stream, validates it and
// acknowledges with a single status byte
func (m *Manager) handleStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	_ = stream.SetDeadline(time.Now().Add(m.opts.SendTimeout))

	payload, err := io.ReadAll(io.LimitReader(stream, maxMessageSize+1))
	if err != nil {
		log.Debugw("inbound stream read failed", "peer", remote, "err", err)
		stream.Reset()
		return
	}
	if len(payload) > maxMessageSize {
		log.Warnw("inbound message too large", "peer", remote, "size", len(payload))
		stream.Reset()
		return
	}

	if m.validate != nil {
		if err := m.validate(remote, payload); err != nil {
			log.Debugw("inbound message rejected", "peer", remote, "err", err)
			_, _ = stream.Write([]byte{statusRejected})
			return
		}
	}

	select {
	case m.inbound <- Inbound{Peer: remote, Payload: payload}:
	case <-m.closed:
		stream.Reset()
		return
	}

	if _, err := stream.Write([]byte{statusAccepted}); err != nil {
		stream.Reset()
		return
	}

	m.mu.Lock()
	entry, ok := m.conns[remote]
	if !ok {
		entry = &connEntry{openedAt: time.Now()}
		m.conns[remote] = entry
		m.mu.Unlock()
		m.bus.Publish(types.PeerConnectionChanged{PeerID: remote.String(), Connected: true})
		m.mu.Lock()
	}
	entry.bytesReceived += uint64(len(payload))
	entry.streamsOpened++
	entry.lastUsed = time.Now()
	m.mu.Unlock()
}

// Receive blocks until any inbound stream yields a message on any accepted
// connection
func (m *Manager) Receive(ctx context.Context) (peer.ID, []byte, error) {
	select {
	case in := <-m.inbound:
		return in.Peer, in.Payload, nil
	case <-m.closed:
		return "", nil, fmt.Errorf("connection manager closed: %w", types.ErrNotConnected)
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// Disconnect closes the connection to p and drops it from the pool
func (m *Manager) Disconnect(p peer.ID) error {
	m.mu.Lock()
	_, ok := m.conns[p]
	delete(m.conns, p)
	m.mu.Unlock()

	if ok {
		m.bus.Publish(types.PeerConnectionChanged{PeerID: p.String(), Connected: false})
	}
	return m.host.Network().ClosePeer(p)
}

// Connected reports whether p currently has a live pooled connection
func (m *Manager) Connected(p peer.ID) bool {
	_, err := m.touch(p)
	return err == nil
}

// ConnStats returns a snapshot of every pooled connection
func (m *Manager) ConnStats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.conns))
	for p, e := range m.conns {
		out = append(out, Stats{
			Peer:          p,
			OpenedAt:      e.openedAt,
			LastUsed:      e.lastUsed,
			BytesSent:     e.bytesSent,
			BytesReceived: e.bytesReceived,
			StreamsOpened: e.streamsOpened,
		})
	}
	return out
}

// Close removes the stream handler and wakes all pending receives
func (m *Manager) Close() {
	m.once.Do(func() {
		m.host.RemoveStreamHandler(TransferProtocol)
		close(m.closed)
	})
}
