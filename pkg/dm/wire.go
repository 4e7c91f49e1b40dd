package dm

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// FrameKind discriminates the inbound frame variants.
type FrameKind int

const (
	FrameInvalid FrameKind = iota
	FrameMessage
	FrameControl
)

// MessageFrame is a single chat message pushed by the backend, one per
// websocket frame.
type MessageFrame struct {
	ID        string `json:"id,omitempty"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ControlFrame is any typed non-message frame from the backend. The core
// ignores these, but decoding them explicitly keeps malformed-frame handling
// in one place.
type ControlFrame struct {
	Type string `json:"type"`
}

// Frame is the decoded inbound variant. Exactly one of Message or Control is
// meaningful, selected by Kind.
type Frame struct {
	Kind    FrameKind
	Message MessageFrame
	Control ControlFrame
}

// SendFrame is the outbound wire shape for a chat message. ID is a
// client-generated idempotency key; the backend echoes it when it can.
type SendFrame struct {
	Type string `json:"type"`
	To   string `json:"to"`
	Text string `json:"text"`
	ID   string `json:"id,omitempty"`
}

// DecodeFrame parses one inbound websocket frame. It is the single decode
// boundary: callers drop frames it rejects and never see partial data.
func DecodeFrame(data []byte) (Frame, error) {
	var probe struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		Sender    string `json:"sender"`
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	if probe.Type != "" && probe.Type != "message" {
		return Frame{Kind: FrameControl, Control: ControlFrame{Type: probe.Type}}, nil
	}
	if probe.Sender == "" {
		return Frame{}, errors.New("frame missing sender")
	}
	return Frame{
		Kind: FrameMessage,
		Message: MessageFrame{
			ID:        probe.ID,
			Sender:    probe.Sender,
			Text:      probe.Text,
			Timestamp: probe.Timestamp,
		},
	}, nil
}

// AsMessage converts a decoded message frame into a ledger entry.
func (f MessageFrame) AsMessage() Message {
	return Message{
		ID:        f.ID,
		Sender:    ParticipantID(f.Sender),
		Text:      f.Text,
		Timestamp: f.Timestamp,
	}
}
