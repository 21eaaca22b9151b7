package types

// EventKind tags the variants of the Event union
type EventKind string

const (
	EventTransferStarted       EventKind = "transfer_started"
	EventProgressUpdate        EventKind = "progress_update"
	EventTransferCompleted     EventKind = "transfer_completed"
	EventTransferFailed        EventKind = "transfer_failed"
	EventPeerConnectionChanged EventKind = "peer_connection_changed"
)

// Event is the tagged union of everything the transfer layer reports
// outward. Consumers switch on the concrete type; Kind gives the tag for
// serialization.
type Event interface {
	Kind() EventKind
}

// TransferStarted is emitted when a session begins moving chunks
type TransferStarted struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	PeerID     string `json:"peer_id"`
}

func (TransferStarted) Kind() EventKind { return EventTransferStarted }

// ProgressUpdate is emitted after chunk acknowledgments, at most once per
// chunk. Progress is a percentage in [0, 100].
type ProgressUpdate struct {
	TransferID string  `json:"transfer_id"`
	Progress   float64 `json:"progress"`
	SpeedBps   uint64  `json:"speed_bps"`
}

func (ProgressUpdate) Kind() EventKind { return EventProgressUpdate }

// TransferCompleted is one of the two terminal outcomes observers see
type TransferCompleted struct {
	TransferID   string  `json:"transfer_id"`
	FileSize     uint64  `json:"file_size"`
	DurationSecs float64 `json:"duration_secs"`
}

func (TransferCompleted) Kind() EventKind { return EventTransferCompleted }

// TransferFailed is the other terminal outcome. Individual retry attempts
// are never reported, only the final escalation.
type TransferFailed struct {
	TransferID string `json:"transfer_id"`
	Error      string `json:"error"`
}

func (TransferFailed) Kind() EventKind { return EventTransferFailed }

// PeerConnectionChanged reports pool insertions and removals
type PeerConnectionChanged struct {
	PeerID    string `json:"peer_id"`
	Connected bool   `json:"connected"`
}

func (PeerConnectionChanged) Kind() EventKind { return EventPeerConnectionChanged }
