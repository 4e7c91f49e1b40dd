package dm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// Recipient is one row of the conversation list: a peer the user has an open
// conversation with, plus the latest message when the backend knows one.
type Recipient struct {
	// RecepientID carries the backend's (misspelled) wire key; it is part
	// of the fixed external contract.
	RecepientID   string         `json:"recepientId"`
	LatestMessage *LatestMessage `json:"latestMessage,omitempty"`
}

// LatestMessage is the preview attached to a conversation-list row.
type LatestMessage struct {
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// RecipientsClient lists the peers a user has conversations with. The core
// only needs the peer id to open a session; the rest feeds the surrounding
// conversation-list screen.
type RecipientsClient struct {
	baseURL string
	client  *http.Client
}

func NewRecipientsClient(baseURL string, timeout time.Duration) *RecipientsClient {
	if timeout <= 0 {
		timeout = DefaultHistoryTimeout
	}
	return &RecipientsClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// List fetches the conversation list for a user.
func (c *RecipientsClient) List(ctx context.Context, userID ParticipantID) ([]Recipient, error) {
	if userID == "" {
		return nil, ErrInvalidParticipant
	}
	u := fmt.Sprintf("%s/dm/recipients?userId=%s", c.baseURL, url.QueryEscape(string(userID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build recipients request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch recipients")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("recipients status %d", resp.StatusCode)
	}

	var out []Recipient
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode recipients")
	}
	return out, nil
}
