package dm

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConnState is the transport lifecycle state. Owned by TransportSession,
// read-only to callers via OnStateChange.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// TransportConfig configures one TransportSession.
type TransportConfig struct {
	WSBaseURL string
	Channel   ChannelID
	Self      ParticipantID

	DialTimeout   time.Duration
	MaxAttempts   int
	RetryStep     time.Duration
	MaxRetryDelay time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// TransportSession owns exactly one logical live connection to a channel
// endpoint: dial, send, single inbound consumer, and bounded reconnection on
// unexpected close.
type TransportSession struct {
	cfg    TransportConfig
	url    string
	logger zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	dialing    bool
	state      ConnState
	retries    int
	retryTimer *time.Timer
	closed     bool
	dialCtx    context.Context

	onFrame func(Frame)
	onState func(ConnState)
}

// NewTransportSession validates the config and returns an unconnected
// session in StateDisconnected.
func NewTransportSession(cfg TransportConfig) (*TransportSession, error) {
	if cfg.WSBaseURL == "" {
		return nil, errors.New("transport: ws base url is empty")
	}
	if cfg.Channel == "" || cfg.Self == "" {
		return nil, ErrInvalidParticipant
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = DefaultRetryStep
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	endpoint := fmt.Sprintf("%s/dm/%s/ws?userId=%s", cfg.WSBaseURL, cfg.Channel, url.QueryEscape(string(cfg.Self)))
	return &TransportSession{
		cfg: cfg,
		url: endpoint,
		logger: log.With().
			Str("component", "dm").
			Str("channel_id", string(cfg.Channel)).
			Logger(),
		state: StateDisconnected,
	}, nil
}

// OnFrame registers the single consumer of inbound frames. Re-registering
// replaces the prior consumer.
func (s *TransportSession) OnFrame(fn func(Frame)) {
	s.mu.Lock()
	if s.onFrame != nil && fn != nil {
		s.logger.Warn().Msg("replacing transport frame consumer")
	}
	s.onFrame = fn
	s.mu.Unlock()
}

// OnStateChange registers the callback fired on every state transition.
// Re-registering replaces the prior callback.
func (s *TransportSession) OnStateChange(fn func(ConnState)) {
	s.mu.Lock()
	if s.onState != nil && fn != nil {
		s.logger.Warn().Msg("replacing transport state consumer")
	}
	s.onState = fn
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *TransportSession) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the transport. Calling it while a connection is live is a
// logged no-op: a second socket to the same endpoint would duplicate inbound
// events. Connect after an explicit Close returns ErrSessionClosed; connect
// after StateFailed restarts with a fresh retry budget.
func (s *TransportSession) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil || s.dialing {
		s.mu.Unlock()
		s.logger.Warn().Msg("transport already connected, ignoring connect")
		return nil
	}
	s.dialing = true
	s.dialCtx = ctx
	s.retries = 0
	emit := s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	emit()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.dialing = false
		emit = s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		emit()
		return errors.Wrap(err, "transport connect")
	}
	s.adopt(conn)
	return nil
}

// Send transmits one outbound frame over the live connection. It never
// buffers: with no live connection it fails with ErrNotConnected and the
// caller decides what to do with the payload.
func (s *TransportSession) Send(frame SendFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		return errors.Wrap(err, "transport send")
	}
	return nil
}

// Close shuts the transport down and cancels any pending reconnect.
// Idempotent; the session cannot be reconnected afterwards.
func (s *TransportSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopRetryTimerLocked()
	conn := s.conn
	s.conn = nil
	emit := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	emit()
	s.logger.Debug().Msg("transport closed")
	return nil
}

func (s *TransportSession) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	}
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dctx, s.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// adopt installs a freshly dialed connection and starts its read loop.
func (s *TransportSession) adopt(conn *websocket.Conn) {
	s.mu.Lock()
	s.dialing = false
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.retries = 0
	emit := s.setStateLocked(StateConnected)
	s.mu.Unlock()
	emit()
	s.logger.Debug().Msg("transport connected")
	go s.readLoop(conn)
}

func (s *TransportSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(conn, err)
			return
		}
		frame, derr := DecodeFrame(data)
		if derr != nil {
			// Malformed frames are dropped at this boundary and
			// never reach the consumer.
			s.logger.Warn().Err(derr).Msg("dropping malformed frame")
			continue
		}
		s.mu.Lock()
		fn := s.onFrame
		s.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	}
}

func (s *TransportSession) handleReadError(conn *websocket.Conn, err error) {
	_ = conn.Close()
	s.mu.Lock()
	if s.closed || s.conn != conn {
		// Explicit close, or a stale loop from a replaced connection.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.logger.Warn().Err(err).Msg("transport connection lost")
	emit := s.scheduleReconnectLocked()
	s.mu.Unlock()
	emit()
}

// scheduleReconnectLocked advances the retry counter and either arms the
// next backoff timer or gives up with StateFailed once the budget is spent.
// Returns the state emission to run after unlocking.
func (s *TransportSession) scheduleReconnectLocked() func() {
	s.retries++
	if s.retries > s.cfg.MaxAttempts {
		s.stopRetryTimerLocked()
		s.logger.Warn().Int("attempts", s.cfg.MaxAttempts).Msg("reconnect budget exhausted")
		return s.setStateLocked(StateFailed)
	}
	delay := time.Duration(s.retries) * s.cfg.RetryStep
	if delay > s.cfg.MaxRetryDelay {
		delay = s.cfg.MaxRetryDelay
	}
	s.logger.Debug().Int("attempt", s.retries).Dur("delay", delay).Msg("scheduling reconnect")
	s.stopRetryTimerLocked()
	s.retryTimer = time.AfterFunc(delay, s.attemptReconnect)
	return s.setStateLocked(StateReconnecting)
}

func (s *TransportSession) attemptReconnect() {
	s.mu.Lock()
	if s.closed || s.conn != nil || s.dialing {
		s.mu.Unlock()
		return
	}
	s.dialing = true
	s.retryTimer = nil
	ctx := s.dialCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := s.dial(ctx)
	if err == nil {
		s.adopt(conn)
		return
	}

	s.mu.Lock()
	s.dialing = false
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.logger.Debug().Err(err).Int("attempt", s.retries).Msg("reconnect attempt failed")
	emit := s.scheduleReconnectLocked()
	s.mu.Unlock()
	emit()
}

func (s *TransportSession) stopRetryTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// setStateLocked records a transition and returns the callback emission to
// run once the mutex is released. No-op transitions return a no-op func.
func (s *TransportSession) setStateLocked(st ConnState) func() {
	if s.state == st {
		return func() {}
	}
	s.state = st
	fn := s.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(st) }
}
