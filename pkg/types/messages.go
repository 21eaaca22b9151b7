package types

import "fmt"

// Wire protocol messages. Every stream carries exactly one JSON-encoded
// Message envelope; the Type tag selects which payload pointer is set.

// MessageType tags the wire message envelope
type MessageType string

const (
	MessageSessionStart MessageType = "session_start"
	MessageChunkData    MessageType = "chunk_data"
	MessageSessionEnd   MessageType = "session_end"
)

// SessionStart announces an incoming transfer before any chunk is sent
type SessionStart struct {
	TransferID  string `json:"transfer_id"`
	FileName    string `json:"file_name"`
	TotalSize   uint64 `json:"total_size"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// ChunkData carries one chunk payload with its checksum
type ChunkData struct {
	TransferID  string   `json:"transfer_id"`
	ChunkIndex  int      `json:"chunk_index"`
	TotalChunks int      `json:"total_chunks"`
	Payload     []byte   `json:"payload"`
	Checksum    Checksum `json:"checksum"`
}

// SessionEnd closes a transfer and carries the aggregate file checksum
type SessionEnd struct {
	TransferID   string   `json:"transfer_id"`
	FileChecksum Checksum `json:"file_checksum"`
}

// Message is the envelope written to a stream
type Message struct {
	Type         MessageType   `json:"type"`
	SessionStart *SessionStart `json:"session_start,omitempty"`
	ChunkData    *ChunkData    `json:"chunk_data,omitempty"`
	SessionEnd   *SessionEnd   `json:"session_end,omitempty"`
}

// Validate checks that the envelope tag matches its payload
func (m *Message) Validate() error {
	switch m.Type {
	case MessageSessionStart:
		if m.SessionStart == nil {
			return fmt.Errorf("session_start message without payload")
		}
	case MessageChunkData:
		if m.ChunkData == nil {
			return fmt.Errorf("chunk_data message without payload")
		}
	case MessageSessionEnd:
		if m.SessionEnd == nil {
			return fmt.Errorf("session_end message without payload")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
