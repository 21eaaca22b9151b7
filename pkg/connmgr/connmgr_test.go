package connmgr

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/pkg/eventbus"
	"github.com/driftwire/driftwire/pkg/types"
)

func testOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		SendTimeout:      5 * time.Second,
		IdleTTL:          time.Minute,
		SendRetries:      2,
	}
}

func setupTestHosts(t *testing.T) (host.Host, host.Host) {
	host1, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { host1.Close() })

	host2, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { host2.Close() })

	return host1, host2
}

func setupManagers(t *testing.T) (*Manager, *Manager, host.Host, host.Host) {
	h1, h2 := setupTestHosts(t)
	m1 := NewManager(h1, testOptions(), eventbus.NewBus(64))
	m2 := NewManager(h2, testOptions(), eventbus.NewBus(64))
	t.Cleanup(func() { m1.Close(); m2.Close() })
	return m1, m2, h1, h2
}

func addrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

func TestConnectIsIdempotent(t *testing.T) {
	m1, _, _, h2 := setupManagers(t)
	ctx := context.Background()

	require.NoError(t, m1.Connect(ctx, addrInfo(h2)))
	require.NoError(t, m1.Connect(ctx, addrInfo(h2)), "second connect must reuse the pool entry")

	stats := m1.ConnStats()
	require.Len(t, stats, 1, "one pooled connection, no duplicate handshake")
	assert.Equal(t, h2.ID(), stats[0].Peer)
	assert.True(t, m1.Connected(h2.ID()))
}

func TestConnectEmitsOneConnectionEvent(t *testing.T) {
	h1, h2 := setupTestHosts(t)
	bus := eventbus.NewBus(64)
	m1 := NewManager(h1, testOptions(), bus)
	defer m1.Close()

	listener := bus.AddListener(16)
	defer listener.Close()

	ctx := context.Background()
	require.NoError(t, m1.Connect(ctx, addrInfo(h2)))
	require.NoError(t, m1.Connect(ctx, addrInfo(h2)))

	select {
	case evt := <-listener.C():
		changed, ok := evt.(types.PeerConnectionChanged)
		require.True(t, ok)
		assert.True(t, changed.Connected)
		assert.Equal(t, h2.ID().String(), changed.PeerID)
	case <-time.After(time.Second):
		t.Fatal("no connection event")
	}
	select {
	case evt := <-listener.C():
		t.Fatalf("unexpected second event: %v", evt)
	default:
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	m1, m2, h1, h2 := setupManagers(t)
	ctx := context.Background()

	require.NoError(t, m1.Connect(ctx, addrInfo(h2)))

	payload := []byte("chunk payload bytes")
	require.NoError(t, m1.Send(ctx, h2.ID(), payload))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	from, got, err := m2.Receive(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, h1.ID(), from)
	assert.Equal(t, payload, got)
}

func TestSendWithoutConnectFails(t *testing.T) {
	m1, _, _, h2 := setupManagers(t)

	err := m1.Send(context.Background(), h2.ID(), []byte("x"))
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestValidatorRejectionSurfacesAsChecksumMismatch(t *testing.T) {
	m1, m2, _, h2 := setupManagers(t)
	ctx := context.Background()

	m2.SetInboundValidator(func(p peer.ID, payload []byte) error {
		return fmt.Errorf("bad chunk digest")
	})

	require.NoError(t, m1.Connect(ctx, addrInfo(h2)))
	err := m1.Send(ctx, h2.ID(), []byte("corrupt"))
	assert.ErrorIs(t, err, types.ErrChecksumMismatch)
}

func TestIdleExpiryIsLazy(t *testing.T) {
	h1, h2 := setupTestHosts(t)
	opts := testOptions()
	opts.IdleTTL = 50 * time.Millisecond
	bus := eventbus.NewBus(64)
	m1 := NewManager(h1, opts, bus)
	defer m1.Close()

	ctx := context.Background()
	require.NoError(t, m1.Connect(ctx, addrInfo(h2)))
	require.Len(t, m1.ConnStats(), 1)

	time.Sleep(100 * time.Millisecond)

	// Expiry happens on this access, not in any background sweeper
	assert.False(t, m1.Connected(h2.ID()))
	err := m1.Send(ctx, h2.ID(), []byte("x"))
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestConnStatsTrackTraffic(t *testing.T) {
	m1, m2, _, h2 := setupManagers(t)
	ctx := context.Background()

	require.NoError(t, m1.Connect(ctx, addrInfo(h2)))
	payload := []byte("0123456789")
	require.NoError(t, m1.Send(ctx, h2.ID(), payload))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, err := m2.Receive(recvCtx)
	require.NoError(t, err)

	sent := m1.ConnStats()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(len(payload)), sent[0].BytesSent)
	assert.Equal(t, uint64(1), sent[0].StreamsOpened)

	received := m2.ConnStats()
	require.Len(t, received, 1)
	assert.Equal(t, uint64(len(payload)), received[0].BytesReceived)
}

func TestReceiveHonorsContext(t *testing.T) {
	_, m2, _, _ := setupManagers(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := m2.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
