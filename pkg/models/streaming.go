package models

import "encoding/json"

// FrameType identifies a delivery channel wire frame.
type FrameType string

const (
	// Client -> server
	FrameAttach FrameType = "attach"
	FrameCancel FrameType = "cancel"

	// Server -> client
	FrameStarted  FrameType = "started"
	FrameChunk    FrameType = "chunk"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
	FrameCanceled FrameType = "canceled"
)

// Frame is the JSON envelope exchanged on the delivery channel. The first
// client frame must be an attach carrying a stream ticket; the access token
// never appears in the URL.
type Frame struct {
	Type    FrameType `json:"type"`
	JobID   string    `json:"job_id,omitempty"`
	Ticket  string    `json:"ticket,omitempty"`
	LastSeq uint64    `json:"last_seq,omitempty"`
	Seq     uint64    `json:"seq,omitempty"`
	Content string    `json:"content,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Marshal encodes the frame as JSON.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// StreamChunk is one ordered unit of generated output. Sequence numbers are
// per job, start at 1 and have no gaps.
type StreamChunk struct {
	Seq     uint64 `json:"seq"`
	Content string `json:"content"`
}
