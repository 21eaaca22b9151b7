package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/driftwire/driftwire/pkg/bandwidth"
	"github.com/driftwire/driftwire/pkg/config"
	"github.com/driftwire/driftwire/pkg/connmgr"
	"github.com/driftwire/driftwire/pkg/device"
	"github.com/driftwire/driftwire/pkg/distance"
	"github.com/driftwire/driftwire/pkg/eventbus"
	"github.com/driftwire/driftwire/pkg/types"
)

var log = logging.Logger("transfer")

// Engine orchestrates chunked transfer sessions. Many sessions run
// concurrently; sessions targeting the same peer share that peer's pooled
// connection and bandwidth budget.
type Engine struct {
	cfg       *config.Config
	conns     *connmgr.Manager
	bus       *eventbus.Bus
	estimator *distance.Estimator
	caps      device.Capabilities

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	archive  map[string]*Session
	budgets  map[peer.ID]*bandwidth.Budget
	inbound  map[string]*inboundSession

	outputDir string
}

// NewEngine builds a transfer engine on top of an existing connection
// manager and event bus. The estimator may be nil when no relay probing is
// configured.
func NewEngine(cfg *config.Config, conns *connmgr.Manager, bus *eventbus.Bus, est *distance.Estimator, outputDir string) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		conns:     conns,
		bus:       bus,
		estimator: est,
		caps:      device.Snapshot(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		archive:   make(map[string]*Session),
		budgets:   make(map[peer.ID]*bandwidth.Budget),
		inbound:   make(map[string]*inboundSession),
		outputDir: outputDir,
	}
	conns.SetInboundValidator(e.validateInbound)
	return e
}

// budgetFor returns the per-link budget shared by every session targeting p
func (e *Engine) budgetFor(p peer.ID) *bandwidth.Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.budgets[p]; ok {
		return b
	}
	cfg := e.cfg.Bandwidth
	cfg.DenseBytesPerWindow = int(float64(cfg.DenseBytesPerWindow) * e.caps.BandwidthFactor())
	b := bandwidth.NewBudget(cfg)
	e.budgets[p] = b
	return b
}

// SendFile validates the file, slices it into chunks and returns a transfer
// ID immediately; the transfer itself proceeds as an independent task.
func (e *Engine) SendFile(path string, target peer.AddrInfo, chunkSize int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("file not readable: %w", err)
	}
	info, err := f.Stat()
	f.Close()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	if chunkSize <= 0 {
		chunkSize = e.cfg.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = e.caps.SuggestChunkSize()
	}

	id := uuid.NewString()
	s := newSession(id, path, filepath.Base(path), uint64(info.Size()), chunkSize, target)

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	log.Infow("transfer created", "id", id, "file", s.FileName, "size", s.TotalSize,
		"chunks", s.TotalChunks, "peer", target.ID)
	e.bus.Publish(types.TransferStarted{TransferID: id, FileName: s.FileName, PeerID: target.ID.String()})

	go e.run(s)
	return id, nil
}

// run drives one session through its state machine
func (e *Engine) run(s *Session) {
	defer e.archiveSession(s)

	s.setStatus(types.StatusConnecting)
	if err := e.conns.Connect(e.ctx, s.Peer); err != nil {
		e.fail(s, err)
		return
	}

	sum, err := fileSum(s.FilePath)
	if err != nil {
		// Local filesystem problems are fatal, no retry
		e.fail(s, err)
		return
	}
	s.setFileChecksum(sum)

	s.setStatus(types.StatusTransferring)

	start := &types.Message{Type: types.MessageSessionStart, SessionStart: &types.SessionStart{
		TransferID:  s.ID,
		FileName:    s.FileName,
		TotalSize:   s.TotalSize,
		ChunkSize:   s.ChunkSize,
		TotalChunks: s.TotalChunks,
	}}
	if !e.sendSparse(s, start) {
		return
	}

	if !e.sendChunks(s) {
		return
	}

	s.setStatus(types.StatusCompleting)

	// Guard against the file changing underneath a long transfer
	final, err := fileSum(s.FilePath)
	if err != nil {
		e.fail(s, err)
		return
	}
	if final != s.FileChecksum() {
		e.fail(s, fmt.Errorf("file changed during transfer: %w", types.ErrChecksumMismatch))
		return
	}

	end := &types.Message{Type: types.MessageSessionEnd, SessionEnd: &types.SessionEnd{
		TransferID:   s.ID,
		FileChecksum: final,
	}}
	if !e.sendSparse(s, end) {
		return
	}

	if s.setStatus(types.StatusCompleted) {
		duration := s.Duration()
		log.Infow("transfer completed", "id", s.ID, "duration", duration)
		e.bus.Publish(types.TransferCompleted{
			TransferID:   s.ID,
			FileSize:     s.TotalSize,
			DurationSecs: duration.Seconds(),
		})
	}
}

// sendChunks moves every pending chunk, round-robin, gated by the per-link
// budget. Returns false when the session reached a terminal state.
func (e *Engine) sendChunks(s *Session) bool {
	file, err := os.Open(s.FilePath)
	if err != nil {
		e.fail(s, err)
		return false
	}
	defer file.Close()

	budget := e.budgetFor(s.Peer.ID)
	cursor := -1

	for {
		if s.Cancelled() {
			s.setStatus(types.StatusCancelled)
			log.Infow("transfer cancelled", "id", s.ID)
			return false
		}

		pending := s.pendingChunks(cursor)
		if len(pending) == 0 {
			return true
		}

		for _, idx := range pending {
			if s.Cancelled() {
				s.setStatus(types.StatusCancelled)
				log.Infow("transfer cancelled", "id", s.ID)
				return false
			}

			rec := s.chunkAt(idx)
			payload := make([]byte, rec.Length)
			if _, err := file.ReadAt(payload, rec.Offset); err != nil {
				e.fail(s, fmt.Errorf("read chunk %d: %w", idx, err))
				return false
			}
			sum := chunkSum(payload)
			s.setChunkChecksum(idx, sum)

			// Denial is backpressure, never a drop: wait out the
			// window and retry the same chunk
			for {
				err := budget.ConsumeDense(len(payload))
				if err == nil {
					break
				}
				if !errors.Is(err, types.ErrBudgetExceeded) {
					e.fail(s, err)
					return false
				}
				if !e.waitWindow(budget, s) {
					s.setStatus(types.StatusCancelled)
					return false
				}
			}

			msg := &types.Message{Type: types.MessageChunkData, ChunkData: &types.ChunkData{
				TransferID:  s.ID,
				ChunkIndex:  idx,
				TotalChunks: s.TotalChunks,
				Payload:     payload,
				Checksum:    sum,
			}}
			data, err := json.Marshal(msg)
			if err != nil {
				e.fail(s, err)
				return false
			}

			s.markSent(idx)
			if err := e.conns.Send(e.ctx, s.Peer.ID, data); err != nil {
				if s.markAttempt(idx, e.cfg.MaxChunkRetries) {
					e.fail(s, fmt.Errorf("chunk %d exhausted retries: %w", idx, err))
					return false
				}
				log.Debugw("chunk send failed, will retry", "id", s.ID, "chunk", idx, "err", err)
				continue
			}

			progress, speed := s.markAcked(idx)
			cursor = idx
			// One progress event per acknowledged chunk, never more
			if !s.Cancelled() {
				e.bus.Publish(types.ProgressUpdate{TransferID: s.ID, Progress: progress, SpeedBps: speed})
			}
		}
	}
}

// sendSparse delivers a control message under the sparse budget, retrying
// across window rotations. Returns false when the session reached a
// terminal state instead.
func (e *Engine) sendSparse(s *Session, msg *types.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		e.fail(s, err)
		return false
	}

	budget := e.budgetFor(s.Peer.ID)
	for {
		err := budget.ConsumeSparse()
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrBudgetExceeded) {
			e.fail(s, err)
			return false
		}
		if !e.waitWindow(budget, s) {
			s.setStatus(types.StatusCancelled)
			return false
		}
	}

	if err := e.conns.Send(e.ctx, s.Peer.ID, data); err != nil {
		e.fail(s, err)
		return false
	}
	return true
}

// waitWindow sleeps until the budget window rotates. Returns false when the
// session was cancelled or the engine shut down while waiting.
func (e *Engine) waitWindow(budget *bandwidth.Budget, s *Session) bool {
	d := budget.Remaining()
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	select {
	case <-time.After(d):
		return !s.Cancelled()
	case <-e.ctx.Done():
		return false
	}
}

// fail moves the session to Failed and emits exactly one TransferFailed
// event. Retry attempts along the way are never surfaced.
func (e *Engine) fail(s *Session, err error) {
	if s.setStatus(types.StatusFailed) {
		s.setFailure(err.Error())
		log.Errorw("transfer failed", "id", s.ID, "err", err)
		e.bus.Publish(types.TransferFailed{TransferID: s.ID, Error: err.Error()})
	}
}

func (e *Engine) archiveSession(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s.ID)
	e.archive[s.ID] = s
}

// Cancel flags a running transfer for cooperative cancellation
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, types.ErrTransferNotFound)
	}
	s.Cancel()
	return nil
}

// Status reports the state of an outbound or archived transfer
func (e *Engine) Status(id string) (types.TransferStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s.Status(), nil
	}
	if s, ok := e.archive[id]; ok {
		return s.Status(), nil
	}
	if in, ok := e.inbound[id]; ok {
		return in.status, nil
	}
	return 0, fmt.Errorf("status %s: %w", id, types.ErrTransferNotFound)
}

// ActiveTransfers lists the IDs of sessions that have not reached a
// terminal state
func (e *Engine) ActiveTransfers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		out = append(out, id)
	}
	return out
}

// Session returns the session for inspection, searching active then
// archived transfers
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s, true
	}
	s, ok := e.archive[id]
	return s, ok
}

// CleanupArchive drops archived outbound sessions and finished or
// abandoned inbound sessions older than maxAge
func (e *Engine) CleanupArchive(maxAge time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.archive {
		if time.Since(s.startedAt) > maxAge {
			delete(e.archive, id)
		}
	}
	// Inbound sessions age out too: finished ones by completion time,
	// abandoned ones by their last received message
	for id, in := range e.inbound {
		ref := in.lastActivity
		if in.status.Terminal() {
			ref = in.finishedAt
		}
		if time.Since(ref) > maxAge {
			delete(e.inbound, id)
		}
	}
}

// PickPeer chooses the closest candidate by fuzzy distance. Without an
// estimator the first candidate wins.
func (e *Engine) PickPeer(candidates []peer.ID) (peer.ID, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate peers")
	}
	if e.estimator == nil {
		return candidates[0], nil
	}
	best := candidates[0]
	bestLevel := e.estimator.Classify(best)
	for _, p := range candidates[1:] {
		if level := e.estimator.Classify(p); level != types.DistanceUnknown &&
			(bestLevel == types.DistanceUnknown || level < bestLevel) {
			best, bestLevel = p, level
		}
	}
	return best, nil
}

// Close stops the engine and every running session task
func (e *Engine) Close() {
	e.cancel()
}
