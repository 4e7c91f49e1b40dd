package dm

import "time"

// Config carries the tunables for a Coordinator and the sessions it opens.
// Zero values fall back to the defaults below, so callers can set only what
// they care about.
type Config struct {
	// APIBaseURL is the HTTP base for history and recipients requests,
	// e.g. "https://chatter.ws.spiritbulb.com".
	APIBaseURL string
	// WSBaseURL is the websocket base for live channels,
	// e.g. "wss://chat.spiritbulb.workers.dev".
	WSBaseURL string

	DialTimeout    time.Duration
	HistoryTimeout time.Duration

	// Reconnect policy: bounded linear backoff, attempt n waits
	// min(n*RetryStep, MaxRetryDelay).
	MaxAttempts   int
	RetryStep     time.Duration
	MaxRetryDelay time.Duration

	// ReconcileTolerance is the timestamp window within which a live
	// message and a local echo with the same sender and text are treated
	// as the same message.
	ReconcileTolerance time.Duration
}

const (
	DefaultDialTimeout        = 10 * time.Second
	DefaultHistoryTimeout     = 15 * time.Second
	DefaultMaxAttempts        = 5
	DefaultRetryStep          = time.Second
	DefaultMaxRetryDelay      = 10 * time.Second
	DefaultReconcileTolerance = 5 * time.Second
)

// DefaultConfig returns a Config pointing at the production endpoints with
// default timeouts and retry policy.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:         "https://chatter.ws.spiritbulb.com",
		WSBaseURL:          "wss://chat.spiritbulb.workers.dev",
		DialTimeout:        DefaultDialTimeout,
		HistoryTimeout:     DefaultHistoryTimeout,
		MaxAttempts:        DefaultMaxAttempts,
		RetryStep:          DefaultRetryStep,
		MaxRetryDelay:      DefaultMaxRetryDelay,
		ReconcileTolerance: DefaultReconcileTolerance,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.APIBaseURL == "" {
		c.APIBaseURL = d.APIBaseURL
	}
	if c.WSBaseURL == "" {
		c.WSBaseURL = d.WSBaseURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = d.HistoryTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryStep <= 0 {
		c.RetryStep = d.RetryStep
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.ReconcileTolerance <= 0 {
		c.ReconcileTolerance = d.ReconcileTolerance
	}
	return c
}
