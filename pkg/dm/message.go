package dm

import (
	"github.com/pkg/errors"
)

// ParticipantID identifies a user. The observed backend uses email addresses,
// but the core treats it as an opaque stable string.
type ParticipantID string

// ChannelID identifies a two-party conversation. Derived, never persisted.
type ChannelID string

// Message is a single conversation entry as held by the ledger.
type Message struct {
	// ID is a client- or server-assigned message id when the wire carried
	// one; empty otherwise. Non-empty ids make reconciliation exact.
	ID        string        `json:"id,omitempty"`
	Sender    ParticipantID `json:"sender"`
	Text      string        `json:"text"`
	Timestamp int64         `json:"timestamp"`
	// LocalEcho marks an optimistic entry appended by Send before the
	// confirmed copy arrives on the live stream.
	LocalEcho bool `json:"localEcho,omitempty"`
}

var (
	ErrInvalidParticipant = errors.New("dm: invalid participant id")
	ErrNotConnected       = errors.New("dm: transport not connected")
	ErrHistoryUnavailable = errors.New("dm: history unavailable")
	ErrSessionClosed      = errors.New("dm: session closed")
	ErrEmptyMessage       = errors.New("dm: empty message text")
	ErrNoActiveSession    = errors.New("dm: no active session")
)
