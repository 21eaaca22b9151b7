package monitor

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/driftwire/driftwire/pkg/connmgr"
	"github.com/driftwire/driftwire/pkg/eventbus"
	"github.com/driftwire/driftwire/pkg/types"
)

var log = logging.Logger("monitor")

const transferRecordCap = 1024

// ConnStatSource is the slice of the connection manager the dashboard reads
type ConnStatSource interface {
	ConnStats() []connmgr.Stats
}

// TransferRecord is the dashboard's view of one transfer, built purely
// from observed events
type TransferRecord struct {
	TransferID string               `json:"transfer_id"`
	FileName   string               `json:"file_name"`
	PeerID     string               `json:"peer_id"`
	Status     types.TransferStatus `json:"status"`
	Progress   float64              `json:"progress"`
	SpeedBps   uint64               `json:"speed_bps"`
	FileSize   uint64               `json:"file_size"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// HistoryEntry pairs an observed event with its arrival time
type HistoryEntry struct {
	At    time.Time   `json:"at"`
	Kind  string      `json:"kind"`
	Event types.Event `json:"event"`
}

// Report is the aggregate snapshot handed to callers and the HTTP API
type Report struct {
	ActiveTransfers    int             `json:"active_transfers"`
	CompletedTransfers uint64          `json:"completed_transfers"`
	FailedTransfers    uint64          `json:"failed_transfers"`
	TotalBytesMoved    uint64          `json:"total_bytes_moved"`
	AvgThroughputBps   float64         `json:"avg_throughput_bps"`
	ConnectedPeers     int             `json:"connected_peers"`
	Connections        []connmgr.Stats `json:"connections"`
	GeneratedAt        time.Time       `json:"generated_at"`
}

// Dashboard aggregates event history and connection stats into read-only
// summaries. It observes, never steers: nothing here mutates engine or
// connection state.
type Dashboard struct {
	conns    ConnStatSource
	listener *eventbus.Listener
	done     chan struct{}

	mu           sync.RWMutex
	history      []HistoryEntry
	historyCap   int
	records      *lru.Cache[string, *TransferRecord]
	completed    uint64
	failed       uint64
	bytesMoved   uint64
	durationSecs float64
}

// NewDashboard subscribes to the bus and starts consuming events
func NewDashboard(bus *eventbus.Bus, conns ConnStatSource, historyCap int) (*Dashboard, error) {
	records, err := lru.New[string, *TransferRecord](transferRecordCap)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{
		conns:      conns,
		listener:   bus.AddListener(historyCap),
		done:       make(chan struct{}),
		historyCap: historyCap,
		records:    records,
	}
	go d.consume()
	return d, nil
}

func (d *Dashboard) consume() {
	defer close(d.done)
	for evt := range d.listener.C() {
		d.observe(evt)
	}
}

func (d *Dashboard) observe(evt types.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.history = append(d.history, HistoryEntry{At: now, Kind: string(evt.Kind()), Event: evt})
	if len(d.history) > d.historyCap {
		d.history = d.history[len(d.history)-d.historyCap:]
	}

	switch e := evt.(type) {
	case types.TransferStarted:
		d.records.Add(e.TransferID, &TransferRecord{
			TransferID: e.TransferID,
			FileName:   e.FileName,
			PeerID:     e.PeerID,
			Status:     types.StatusTransferring,
			StartedAt:  now,
			UpdatedAt:  now,
		})
	case types.ProgressUpdate:
		if rec, ok := d.records.Get(e.TransferID); ok {
			rec.Progress = e.Progress
			rec.SpeedBps = e.SpeedBps
			rec.UpdatedAt = now
		}
	case types.TransferCompleted:
		d.completed++
		d.bytesMoved += e.FileSize
		d.durationSecs += e.DurationSecs
		if rec, ok := d.records.Get(e.TransferID); ok {
			rec.Status = types.StatusCompleted
			rec.Progress = 100
			rec.FileSize = e.FileSize
			rec.UpdatedAt = now
		}
	case types.TransferFailed:
		d.failed++
		if rec, ok := d.records.Get(e.TransferID); ok {
			rec.Status = types.StatusFailed
			rec.Error = e.Error
			rec.UpdatedAt = now
		}
	case types.PeerConnectionChanged:
		log.Debugw("peer connection changed", "peer", e.PeerID, "connected", e.Connected)
	}
}

// History returns the rolling event window, oldest first
func (d *Dashboard) History() []HistoryEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]HistoryEntry, len(d.history))
	copy(out, d.history)
	return out
}

// Transfers returns a snapshot of every remembered transfer record
func (d *Dashboard) Transfers() []TransferRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]TransferRecord, 0, d.records.Len())
	for _, id := range d.records.Keys() {
		if rec, ok := d.records.Get(id); ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Transfer looks up a single record by ID
func (d *Dashboard) Transfer(id string) (TransferRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records.Get(id)
	if !ok {
		return TransferRecord{}, false
	}
	return *rec, true
}

// Report computes the aggregate snapshot
func (d *Dashboard) Report() Report {
	d.mu.RLock()
	defer d.mu.RUnlock()

	active := 0
	for _, id := range d.records.Keys() {
		if rec, ok := d.records.Get(id); ok && !rec.Status.Terminal() {
			active++
		}
	}

	var avg float64
	if d.durationSecs > 0 {
		avg = float64(d.bytesMoved) / d.durationSecs
	}

	stats := d.conns.ConnStats()
	return Report{
		ActiveTransfers:    active,
		CompletedTransfers: d.completed,
		FailedTransfers:    d.failed,
		TotalBytesMoved:    d.bytesMoved,
		AvgThroughputBps:   avg,
		ConnectedPeers:     len(stats),
		Connections:        stats,
		GeneratedAt:        time.Now(),
	}
}

// Close detaches from the bus and waits for the consume loop to drain
func (d *Dashboard) Close() {
	d.listener.Close()
	<-d.done
}
