package dm

import "strings"

// channelSeparator joins the two sorted participant ids into a channel id.
// The backend derives the same id, so this is part of the wire contract.
const channelSeparator = "-"

// DeriveChannelID computes the canonical conversation id for a participant
// pair. It is symmetric: DeriveChannelID(a, b) == DeriveChannelID(b, a).
func DeriveChannelID(a, b ParticipantID) (ChannelID, error) {
	left := strings.TrimSpace(string(a))
	right := strings.TrimSpace(string(b))
	if left == "" || right == "" {
		return "", ErrInvalidParticipant
	}
	if left > right {
		left, right = right, left
	}
	return ChannelID(left + channelSeparator + right), nil
}
