package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/minio/sha256-simd"

	"github.com/driftwire/driftwire/pkg/types"
)

// inboundSession assembles a transfer arriving from a peer. Chunks may land
// out of order; the session completes only once every index is present and
// the aggregate checksum matches.
type inboundSession struct {
	id           string
	fileName     string
	totalSize    uint64
	chunkSize    int
	totalChunks  int
	peer         peer.ID
	chunks       map[int][]byte
	receivedSize uint64
	fileChecksum *types.Checksum
	status       types.TransferStatus
	startedAt    time.Time
	lastActivity time.Time
	finishedAt   time.Time
}

// StartReceiver launches the inbound receive loop. It runs until the engine
// is closed.
func (e *Engine) StartReceiver() {
	go func() {
		for {
			p, payload, err := e.conns.Receive(e.ctx)
			if err != nil {
				return
			}
			e.handleMessage(p, payload)
		}
	}()
}

// validateInbound runs before the transport acknowledges a stream. A chunk
// whose payload does not match its declared checksum is rejected here, which
// the sender counts as a checksum failure and retries.
func (e *Engine) validateInbound(p peer.ID, payload []byte) error {
	var msg types.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("undecodable message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Type == types.MessageChunkData {
		if chunkSum(msg.ChunkData.Payload) != msg.ChunkData.Checksum {
			return fmt.Errorf("chunk %d: %w", msg.ChunkData.ChunkIndex, types.ErrChecksumMismatch)
		}
	}
	return nil
}

func (e *Engine) handleMessage(p peer.ID, payload []byte) {
	var msg types.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Debugw("dropping undecodable message", "peer", p, "err", err)
		return
	}

	switch msg.Type {
	case types.MessageSessionStart:
		e.handleSessionStart(p, msg.SessionStart)
	case types.MessageChunkData:
		e.handleChunkData(p, msg.ChunkData)
	case types.MessageSessionEnd:
		e.handleSessionEnd(p, msg.SessionEnd)
	default:
		log.Debugw("dropping message with unknown type", "peer", p, "type", msg.Type)
	}
}

func (e *Engine) handleSessionStart(p peer.ID, start *types.SessionStart) {
	e.mu.Lock()
	if _, exists := e.inbound[start.TransferID]; exists {
		e.mu.Unlock()
		log.Debugw("duplicate session start", "id", start.TransferID, "peer", p)
		return
	}
	e.inbound[start.TransferID] = &inboundSession{
		id:           start.TransferID,
		fileName:     filepath.Base(start.FileName),
		totalSize:    start.TotalSize,
		chunkSize:    start.ChunkSize,
		totalChunks:  start.TotalChunks,
		peer:         p,
		chunks:       make(map[int][]byte),
		status:       types.StatusTransferring,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
	}
	e.mu.Unlock()

	log.Infow("inbound transfer started", "id", start.TransferID, "file", start.FileName,
		"size", start.TotalSize, "peer", p)
	e.bus.Publish(types.TransferStarted{
		TransferID: start.TransferID,
		FileName:   filepath.Base(start.FileName),
		PeerID:     p.String(),
	})
}

func (e *Engine) handleChunkData(p peer.ID, chunk *types.ChunkData) {
	e.mu.Lock()
	in, ok := e.inbound[chunk.TransferID]
	if !ok || in.status.Terminal() {
		e.mu.Unlock()
		log.Debugw("chunk for unknown or finished transfer", "id", chunk.TransferID, "peer", p)
		return
	}
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= in.totalChunks {
		e.mu.Unlock()
		log.Warnw("chunk index out of range", "id", chunk.TransferID, "index", chunk.ChunkIndex)
		return
	}
	in.lastActivity = time.Now()
	_, seen := in.chunks[chunk.ChunkIndex]
	if !seen {
		in.chunks[chunk.ChunkIndex] = chunk.Payload
		in.receivedSize += uint64(len(chunk.Payload))
	}
	progress := 100.0
	if in.totalSize > 0 {
		progress = float64(in.receivedSize) / float64(in.totalSize) * 100.0
	}
	var speed uint64
	if elapsed := time.Since(in.startedAt).Seconds(); elapsed > 0 {
		speed = uint64(float64(in.receivedSize) / elapsed)
	}
	e.mu.Unlock()

	if !seen {
		e.bus.Publish(types.ProgressUpdate{TransferID: chunk.TransferID, Progress: progress, SpeedBps: speed})
	}
	e.maybeAssemble(chunk.TransferID)
}

func (e *Engine) handleSessionEnd(p peer.ID, end *types.SessionEnd) {
	e.mu.Lock()
	in, ok := e.inbound[end.TransferID]
	if !ok || in.status.Terminal() {
		e.mu.Unlock()
		log.Debugw("session end for unknown or finished transfer", "id", end.TransferID, "peer", p)
		return
	}
	in.lastActivity = time.Now()
	sum := end.FileChecksum
	in.fileChecksum = &sum
	e.mu.Unlock()

	e.maybeAssemble(end.TransferID)
}

// maybeAssemble writes the file out once every chunk and the aggregate
// checksum have arrived
func (e *Engine) maybeAssemble(id string) {
	e.mu.Lock()
	in, ok := e.inbound[id]
	if !ok || in.status.Terminal() || in.fileChecksum == nil || len(in.chunks) != in.totalChunks {
		e.mu.Unlock()
		return
	}
	in.status = types.StatusCompleting
	e.mu.Unlock()

	if err := e.assemble(in); err != nil {
		e.mu.Lock()
		in.status = types.StatusFailed
		in.finishedAt = time.Now()
		in.chunks = nil
		e.mu.Unlock()
		log.Errorw("inbound transfer failed", "id", id, "err", err)
		e.bus.Publish(types.TransferFailed{TransferID: id, Error: err.Error()})
		return
	}

	// Terminal either way; the payload buffers are no longer needed
	e.mu.Lock()
	in.status = types.StatusCompleted
	in.finishedAt = time.Now()
	in.chunks = nil
	duration := time.Since(in.startedAt)
	size := in.receivedSize
	e.mu.Unlock()

	log.Infow("inbound transfer completed", "id", id, "file", in.fileName, "size", size)
	e.bus.Publish(types.TransferCompleted{
		TransferID:   id,
		FileSize:     size,
		DurationSecs: duration.Seconds(),
	})
}

func (e *Engine) assemble(in *inboundSession) error {
	h := sha256.New()
	var buf bytes.Buffer
	for i := 0; i < in.totalChunks; i++ {
		chunk, ok := in.chunks[i]
		if !ok {
			return fmt.Errorf("missing chunk %d", i)
		}
		h.Write(chunk)
		buf.Write(chunk)
	}

	var got types.Checksum
	copy(got[:], h.Sum(nil))
	if got != *in.fileChecksum {
		return fmt.Errorf("aggregate digest for %s: %w", in.fileName, types.ErrChecksumMismatch)
	}

	path := filepath.Join(e.outputDir, in.fileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
