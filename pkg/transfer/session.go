package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/driftwire/driftwire/pkg/types"
)

// ChunkRecord tracks one fixed-size slice of the file. Records are owned
// exclusively by their session.
type ChunkRecord struct {
	Index    int
	Offset   int64
	Length   int
	Checksum types.Checksum
	Status   types.ChunkStatus
	Attempts int
}

// Session is one outbound file transfer. Only the engine mutates it; all
// accessors take the session lock.
type Session struct {
	ID          string
	FileName    string
	FilePath    string
	TotalSize   uint64
	ChunkSize   int
	TotalChunks int
	Peer        peer.AddrInfo

	mu           sync.Mutex
	chunks       []ChunkRecord
	status       types.TransferStatus
	cancelled    bool
	ackedBytes   uint64
	fileChecksum types.Checksum
	startedAt    time.Time
	finishedAt   time.Time
	failure      string
}

// newSession slices a file of the given size into fixed-size chunk records
func newSession(id, path, name string, size uint64, chunkSize int, target peer.AddrInfo) *Session {
	totalChunks := int((size + uint64(chunkSize) - 1) / uint64(chunkSize))
	chunks := make([]ChunkRecord, totalChunks)
	for i := range chunks {
		offset := int64(i) * int64(chunkSize)
		length := chunkSize
		if remaining := size - uint64(offset); remaining < uint64(chunkSize) {
			length = int(remaining)
		}
		chunks[i] = ChunkRecord{Index: i, Offset: offset, Length: length}
	}
	return &Session{
		ID:          id,
		FileName:    name,
		FilePath:    path,
		TotalSize:   size,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Peer:        target,
		chunks:      chunks,
		status:      types.StatusCreated,
		startedAt:   time.Now(),
	}
}

// Status returns the current lifecycle state
func (s *Session) Status() types.TransferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatus transitions the state machine. Terminal states are sticky: once
// reached, the session never transitions again.
func (s *Session) setStatus(next types.TransferStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = next
	if next.Terminal() {
		s.finishedAt = time.Now()
	}
	return true
}

// Cancel flags the session; the chunk loop observes it at its next
// iteration. In-flight sends finish or fail on their own.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

// Cancelled reports the cooperative cancellation flag
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// markSent flags a chunk as handed to the transport. A sent chunk still
// counts as pending until its acknowledgment arrives.
func (s *Session) markSent(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := &s.chunks[index]; rec.Status == types.ChunkPending {
		rec.Status = types.ChunkSent
	}
}

// markAcked records a successful chunk delivery and returns the updated
// progress percentage and transfer speed
func (s *Session) markAcked(index int) (progress float64, speedBps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &s.chunks[index]
	if rec.Status != types.ChunkAcked {
		rec.Status = types.ChunkAcked
		s.ackedBytes += uint64(rec.Length)
	}

	if s.TotalSize > 0 {
		progress = float64(s.ackedBytes) / float64(s.TotalSize) * 100.0
	} else {
		progress = 100.0
	}
	if elapsed := time.Since(s.startedAt).Seconds(); elapsed > 0 {
		speedBps = uint64(float64(s.ackedBytes) / elapsed)
	}
	return progress, speedBps
}

// markAttempt bumps the retry counter for a chunk and reports whether the
// bounded attempt budget is exhausted
func (s *Session) markAttempt(index, maxRetries int) (exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &s.chunks[index]
	rec.Attempts++
	if rec.Attempts >= maxRetries {
		rec.Status = types.ChunkFailed
		return true
	}
	rec.Status = types.ChunkPending
	return false
}

// pendingChunks returns the indexes still awaiting acknowledgment, in
// round-robin order starting after the given cursor
func (s *Session) pendingChunks(after int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]int, 0)
	n := len(s.chunks)
	for i := 1; i <= n; i++ {
		idx := (after + i) % n
		if s.chunks[idx].Status != types.ChunkAcked {
			pending = append(pending, idx)
		}
	}
	return pending
}

// chunkAt returns a copy of one chunk record
func (s *Session) chunkAt(index int) ChunkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[index]
}

func (s *Session) setChunkChecksum(index int, sum types.Checksum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[index].Checksum = sum
}

func (s *Session) setFileChecksum(sum types.Checksum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileChecksum = sum
}

// FileChecksum returns the aggregate checksum computed when the session
// was sliced
func (s *Session) FileChecksum() types.Checksum {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileChecksum
}

// AckedBytes returns the number of bytes confirmed by the peer
func (s *Session) AckedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedBytes
}

// Duration returns the session runtime, final once a terminal state is
// reached
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finishedAt.IsZero() {
		return s.finishedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// Failure returns the recorded failure reason, if any
func (s *Session) Failure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) setFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == "" {
		s.failure = reason
	}
}

// Chunks returns a copy of the chunk records for inspection
func (s *Session) Chunks() []ChunkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChunkRecord, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *Session) String() string {
	return fmt.Sprintf("transfer %s (%s, %d bytes, %d chunks)", s.ID, s.FileName, s.TotalSize, s.TotalChunks)
}
