package dm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// HistoryLoader fetches the persisted message log for a channel. History is
// best-effort: failures surface as ErrHistoryUnavailable and the caller
// proceeds with an empty ledger.
type HistoryLoader struct {
	baseURL string
	client  *http.Client
}

// NewHistoryLoader builds a loader against the given API base URL. A nil
// timeout falls back to the default.
func NewHistoryLoader(baseURL string, timeout time.Duration) *HistoryLoader {
	if timeout <= 0 {
		timeout = DefaultHistoryTimeout
	}
	return &HistoryLoader{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Load performs the one-shot history request for a channel. An empty log is
// a valid result, not an error. The returned slice is sorted ascending by
// timestamp.
func (h *HistoryLoader) Load(ctx context.Context, channel ChannelID) ([]Message, error) {
	if h == nil {
		return nil, errors.Wrap(ErrHistoryUnavailable, "nil loader")
	}
	url := fmt.Sprintf("%s/dm/%s/history", h.baseURL, channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrHistoryUnavailable, "build request: %v", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrHistoryUnavailable, "fetch history: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrHistoryUnavailable, "history status %d", resp.StatusCode)
	}

	var frames []MessageFrame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, errors.Wrapf(ErrHistoryUnavailable, "decode history: %v", err)
	}

	msgs := make([]Message, 0, len(frames))
	for _, f := range frames {
		msgs = append(msgs, f.AsMessage())
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })

	log.Debug().Str("component", "dm").Str("channel_id", string(channel)).Int("count", len(msgs)).Msg("history loaded")
	return msgs, nil
}
