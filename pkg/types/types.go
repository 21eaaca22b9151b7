package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TransferStatus represents the lifecycle state of a transfer session
type TransferStatus int

const (
	StatusCreated TransferStatus = iota
	StatusConnecting
	StatusTransferring
	StatusCompleting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// Terminal reports whether the status is an end state
func (s TransferStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s TransferStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusConnecting:
		return "connecting"
	case StatusTransferring:
		return "transferring"
	case StatusCompleting:
		return "completing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status name rather than the raw ordinal
func (s TransferStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ChunkStatus represents the delivery state of a single chunk
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkSent
	ChunkAcked
	ChunkFailed
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkSent:
		return "sent"
	case ChunkAcked:
		return "acked"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Checksum is a 32-byte SHA-256 digest, hex-encoded on the wire
type Checksum [32]byte

func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// MarshalJSON encodes the checksum as a hex string
func (c Checksum) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a hex string into the checksum
func (c *Checksum) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid checksum encoding: %w", err)
	}
	if len(raw) != len(c) {
		return fmt.Errorf("invalid checksum length: %d", len(raw))
	}
	copy(c[:], raw)
	return nil
}

// DistanceLevel is the coarse proximity classification exposed to callers.
// Raw RTT values stay internal so the externally visible signal cannot leak
// precise geography.
type DistanceLevel int

const (
	DistanceUnknown DistanceLevel = iota
	DistanceNear
	DistanceRegional
	DistanceFar
	DistanceVeryFar
)

func (d DistanceLevel) String() string {
	switch d {
	case DistanceNear:
		return "near"
	case DistanceRegional:
		return "regional"
	case DistanceFar:
		return "far"
	case DistanceVeryFar:
		return "very-far"
	default:
		return "unknown"
	}
}
