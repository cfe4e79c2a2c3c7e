package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// TypeHeader opens a transfer and carries the file's metadata.
	TypeHeader = "transfer_header"
	// TypeChunk carries one base64-encoded slice of the file.
	TypeChunk = "transfer_chunk"
	// TypeCancel aborts an in-flight transfer in either direction.
	TypeCancel = "transfer_cancel"
)

var (
	// ErrInvalidMessage indicates a frame that is not a usable transfer message.
	ErrInvalidMessage = errors.New("transfer: invalid message")
	// ErrTransferIntegrity indicates the reassembled file failed verification.
	ErrTransferIntegrity = errors.New("transfer: integrity check failed")
	// ErrTransferCancelled indicates the transfer was cancelled by either side.
	ErrTransferCancelled = errors.New("transfer: cancelled")
	// ErrTransferStalled indicates no chunk arrived within the stall timeout.
	ErrTransferStalled = errors.New("transfer: stalled")
	// ErrUnknownTransfer indicates an operation on a transfer ID that is not in flight.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrPeerNotConnected indicates a send to a peer without an open channel.
	ErrPeerNotConnected = errors.New("transfer: peer not connected")
)

// Header announces an incoming file before its first chunk.
type Header struct {
	Type        string `json:"type"`
	TransferID  string `json:"transfer_id"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Checksum    string `json:"checksum"`
	SenderName  string `json:"sender_name,omitempty"`
}

// Chunk carries file bytes at a fixed offset: Sequence * ChunkSize.
//
// Receivers must accept chunks in any order; Final marks the last sequence
// number, not necessarily the last arrival.
type Chunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Sequence   int    `json:"sequence"`
	Data       string `json:"data"`
	Final      bool   `json:"final"`
}

// Cancel aborts an in-flight transfer.
type Cancel struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
}

type envelope struct {
	Type string `json:"type"`
}

// MessageType peeks at the discriminator of a raw transfer frame.
func MessageType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return "", ErrInvalidMessage
	}
	return env.Type, nil
}

func decodeHeader(raw []byte) (Header, error) {
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if header.TransferID == "" || header.FileName == "" || header.FileSize < 0 || header.ChunkSize <= 0 {
		return Header{}, ErrInvalidMessage
	}
	return header, nil
}

func decodeChunk(raw []byte) (Chunk, error) {
	var chunk Chunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return Chunk{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if chunk.TransferID == "" || chunk.Sequence < 0 {
		return Chunk{}, ErrInvalidMessage
	}
	return chunk, nil
}

func decodeCancel(raw []byte) (Cancel, error) {
	var cancel Cancel
	if err := json.Unmarshal(raw, &cancel); err != nil {
		return Cancel{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if cancel.TransferID == "" {
		return Cancel{}, ErrInvalidMessage
	}
	return cancel, nil
}
