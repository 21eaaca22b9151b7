package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwire/driftwire/pkg/connmgr"
	"github.com/driftwire/driftwire/pkg/eventbus"
	"github.com/driftwire/driftwire/pkg/types"
)

type fakeConnSource struct {
	stats []connmgr.Stats
}

func (f *fakeConnSource) ConnStats() []connmgr.Stats { return f.stats }

func setupDashboard(t *testing.T, historyCap int) (*eventbus.Bus, *fakeConnSource, *Dashboard) {
	bus := eventbus.NewBus(64)
	conns := &fakeConnSource{}
	d, err := NewDashboard(bus, conns, historyCap)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		bus.Close()
	})
	return bus, conns, d
}

func waitForHistory(t *testing.T, d *Dashboard, n int) {
	require.Eventually(t, func() bool {
		return len(d.History()) >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDashboardTracksTransferLifecycle(t *testing.T) {
	bus, _, d := setupDashboard(t, 64)

	bus.Publish(types.TransferStarted{TransferID: "t1", FileName: "model.bin", PeerID: "peer-a"})
	bus.Publish(types.ProgressUpdate{TransferID: "t1", Progress: 50, SpeedBps: 1000})
	bus.Publish(types.TransferCompleted{TransferID: "t1", FileSize: 4096, DurationSecs: 2})
	waitForHistory(t, d, 3)

	rec, ok := d.Transfer("t1")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	assert.Equal(t, uint64(4096), rec.FileSize)
	assert.Equal(t, "model.bin", rec.FileName)

	report := d.Report()
	assert.Equal(t, uint64(1), report.CompletedTransfers)
	assert.Equal(t, uint64(4096), report.TotalBytesMoved)
	assert.InDelta(t, 2048, report.AvgThroughputBps, 1e-9)
	assert.Equal(t, 0, report.ActiveTransfers)
}

func TestDashboardCountsActiveAndFailed(t *testing.T) {
	bus, _, d := setupDashboard(t, 64)

	bus.Publish(types.TransferStarted{TransferID: "ok", FileName: "a", PeerID: "p"})
	bus.Publish(types.TransferStarted{TransferID: "bad", FileName: "b", PeerID: "p"})
	bus.Publish(types.TransferFailed{TransferID: "bad", Error: "peer unreachable"})
	waitForHistory(t, d, 3)

	report := d.Report()
	assert.Equal(t, 1, report.ActiveTransfers)
	assert.Equal(t, uint64(1), report.FailedTransfers)

	rec, ok := d.Transfer("bad")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "peer unreachable", rec.Error)
}

func TestHistoryIsBounded(t *testing.T) {
	bus, _, d := setupDashboard(t, 5)

	for i := 0; i < 20; i++ {
		bus.Publish(types.ProgressUpdate{TransferID: "t", Progress: float64(i)})
	}
	require.Eventually(t, func() bool {
		h := d.History()
		if len(h) != 5 {
			return false
		}
		// Oldest entries were evicted
		last := h[len(h)-1].Event.(types.ProgressUpdate)
		return last.Progress == 19
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerEndpoints(t *testing.T) {
	bus, conns, d := setupDashboard(t, 64)
	pid, err := peer.Decode("12D3KooWACVoZTPDaUQduxsyQrr5DjapAzJms6vkiLKyn5K9i4dU")
	require.NoError(t, err)
	conns.stats = []connmgr.Stats{{Peer: pid, BytesSent: 100, StreamsOpened: 3}}

	bus.Publish(types.TransferStarted{TransferID: "t1", FileName: "f", PeerID: "p"})
	bus.Publish(types.TransferCompleted{TransferID: "t1", FileSize: 512, DurationSecs: 1})
	waitForHistory(t, d, 2)

	srv := httptest.NewServer(NewServer(d).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, uint64(512), report.TotalBytesMoved)
	assert.Equal(t, 1, report.ConnectedPeers)

	resp2, err := http.Get(srv.URL + "/transfers/t1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var rec map[string]interface{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&rec))
	assert.Equal(t, "completed", rec["status"])

	resp3, err := http.Get(srv.URL + "/transfers/nope")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestDashboardIsReadOnlyObserver(t *testing.T) {
	bus, _, d := setupDashboard(t, 64)

	// A dashboard dropping off the bus must not affect other listeners
	other := bus.AddListener(8)
	defer other.Close()
	d.Close()

	bus.Publish(types.TransferStarted{TransferID: "t", FileName: "f", PeerID: "p"})
	select {
	case evt := <-other.C():
		assert.Equal(t, types.EventTransferStarted, evt.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("surviving listener missed the event")
	}
}
