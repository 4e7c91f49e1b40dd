package dm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Coordinator is the top-level facade for direct messaging. Given a self and
// peer id it derives the channel, loads history, opens the live transport,
// and keeps the ledger as the single ordered view of the conversation.
//
// Sessions live in an explicit per-channel map; the eviction policy closes
// the previous session when a new channel opens, so at most one transport is
// live at a time.
type Coordinator struct {
	cfg        Config
	history    *HistoryLoader
	recipients *RecipientsClient
	notifier   *Notifier

	mu       sync.Mutex
	sessions map[ChannelID]*channelSession
	active   *channelSession
}

// channelSession is the per-channel state owned by the Coordinator.
type channelSession struct {
	channel   ChannelID
	self      ParticipantID
	peer      ParticipantID
	transport *TransportSession
	ledger    *Ledger
	cancel    context.CancelFunc

	mu sync.Mutex
	// historyDone gates live ingestion: frames arriving before the
	// one-time history ingest are buffered in pending and flushed after.
	historyDone bool
	pending     []Message
}

// NewCoordinator builds a coordinator from the given config, filling in
// defaults for unset fields.
func NewCoordinator(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:        cfg,
		history:    NewHistoryLoader(cfg.APIBaseURL, cfg.HistoryTimeout),
		recipients: NewRecipientsClient(cfg.APIBaseURL, cfg.HistoryTimeout),
		notifier:   NewNotifier(),
		sessions:   map[ChannelID]*channelSession{},
	}
}

// Notifier exposes the event bus for the notification collaborator.
func (c *Coordinator) Notifier() *Notifier {
	return c.notifier
}

// ListRecipients fetches the conversation list for the surrounding screen.
func (c *Coordinator) ListRecipients(ctx context.Context, userID ParticipantID) ([]Recipient, error) {
	return c.recipients.List(ctx, userID)
}

// Open activates the conversation between self and peer. History loads in
// the background while the transport dials; completion is observed through
// the ledger and the state events. Opening a different channel closes the
// previous session first, including any in-flight history fetch for it.
//
// Cancelling ctx tears down the session's background work (reconnects and
// history), the same as Close.
func (c *Coordinator) Open(ctx context.Context, self, peer ParticipantID) error {
	if strings.TrimSpace(string(self)) == "" || strings.TrimSpace(string(peer)) == "" {
		return ErrInvalidParticipant
	}
	channel, err := DeriveChannelID(self, peer)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.active != nil && c.active.channel == channel && c.active.transport.State() != StateDisconnected && c.active.transport.State() != StateFailed {
		c.mu.Unlock()
		log.Warn().Str("component", "dm").Str("channel_id", string(channel)).Msg("channel already open, ignoring open")
		return nil
	}
	prev := c.active

	sctx, cancel := context.WithCancel(ctx)
	transport, terr := NewTransportSession(TransportConfig{
		WSBaseURL:     c.cfg.WSBaseURL,
		Channel:       channel,
		Self:          self,
		DialTimeout:   c.cfg.DialTimeout,
		MaxAttempts:   c.cfg.MaxAttempts,
		RetryStep:     c.cfg.RetryStep,
		MaxRetryDelay: c.cfg.MaxRetryDelay,
	})
	if terr != nil {
		cancel()
		c.mu.Unlock()
		return terr
	}
	sess := &channelSession{
		channel:   channel,
		self:      self,
		peer:      peer,
		transport: transport,
		ledger:    NewLedger(c.cfg.ReconcileTolerance),
		cancel:    cancel,
	}
	c.sessions[channel] = sess
	c.active = sess
	c.mu.Unlock()

	if prev != nil && prev != sess {
		c.teardown(prev)
	}

	transport.OnFrame(func(f Frame) { c.handleFrame(sess, f) })
	transport.OnStateChange(func(st ConnState) {
		c.notifier.publish(TopicConnectionState, StateEvent{Channel: sess.channel, State: st.String()})
	})

	go c.loadHistory(sctx, sess)

	if err := transport.Connect(sctx); err != nil {
		// Degraded but alive: the caller sees the disconnected state
		// and may retry by reopening.
		log.Warn().Err(err).Str("component", "dm").Str("channel_id", string(channel)).Msg("initial connect failed")
	}
	return nil
}

// Send appends an optimistic local-echo entry and transmits the message. On
// ErrNotConnected the echo stays in the ledger as an unsent entry; user
// text is never silently dropped.
func (c *Coordinator) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return ErrNoActiveSession
	}

	m := Message{
		ID:        uuid.NewString(),
		Sender:    sess.self,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
	sess.ledger.AppendLocal(m)

	err := sess.transport.Send(SendFrame{
		Type: "message",
		To:   string(sess.peer),
		Text: text,
		ID:   m.ID,
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "dm").Str("channel_id", string(sess.channel)).Msg("send failed, keeping unsent entry")
	}
	return err
}

// Messages returns the ordered view of the active conversation. After Close
// it keeps answering with the frozen ledger of the last session.
func (c *Coordinator) Messages() []Message {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.ledger.View()
}

// State reports the transport state of the active session.
func (c *Coordinator) State() ConnState {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return StateDisconnected
	}
	return sess.transport.State()
}

// ActiveChannel returns the currently open channel id, if any.
func (c *Coordinator) ActiveChannel() (ChannelID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.channel, true
}

// Close tears down the active session's transport and cancels its pending
// work. The ledger is kept so callers can render the frozen conversation.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.teardown(sess)
}

// Shutdown closes the active session and the event bus.
func (c *Coordinator) Shutdown() error {
	c.Close()
	return c.notifier.Close()
}

func (c *Coordinator) teardown(sess *channelSession) {
	sess.cancel()
	_ = sess.transport.Close()
	c.mu.Lock()
	if c.sessions[sess.channel] == sess {
		delete(c.sessions, sess.channel)
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleFrame(sess *channelSession, f Frame) {
	switch f.Kind {
	case FrameMessage:
	case FrameControl:
		log.Debug().Str("component", "dm").Str("type", f.Control.Type).Msg("ignoring control frame")
		return
	default:
		return
	}

	m := f.Message.AsMessage()
	sess.mu.Lock()
	if !sess.historyDone {
		sess.pending = append(sess.pending, m)
		sess.mu.Unlock()
		return
	}
	sess.mu.Unlock()
	c.ingestLive(sess, m)
}

func (c *Coordinator) ingestLive(sess *channelSession, m Message) {
	stored, changed := sess.ledger.IngestLive(m)
	if !changed || stored.Sender == sess.self {
		return
	}
	c.notifier.publish(TopicNewMessage, NewMessageEvent{
		Type:      "new-message",
		From:      stored.Sender,
		Channel:   sess.channel,
		Text:      stored.Text,
		Timestamp: stored.Timestamp,
	})
}

// loadHistory runs the one-shot history fetch for a session and flushes any
// live frames buffered while it was in flight. A fetch that resolves after
// its session was replaced or closed is discarded.
func (c *Coordinator) loadHistory(ctx context.Context, sess *channelSession) {
	msgs, err := c.history.Load(ctx, sess.channel)
	if ctx.Err() != nil {
		log.Debug().Str("component", "dm").Str("channel_id", string(sess.channel)).Msg("discarding stale history result")
		return
	}
	if err != nil {
		// Best effort: live messaging proceeds over an empty ledger.
		log.Warn().Err(err).Str("component", "dm").Str("channel_id", string(sess.channel)).Msg("history unavailable, proceeding without it")
		msgs = nil
	}

	c.mu.Lock()
	current := c.sessions[sess.channel] == sess
	c.mu.Unlock()
	if !current {
		return
	}

	sess.mu.Lock()
	if sess.historyDone {
		sess.mu.Unlock()
		return
	}
	sess.ledger.IngestHistory(msgs)
	sess.historyDone = true
	pending := sess.pending
	sess.pending = nil
	sess.mu.Unlock()

	for _, m := range pending {
		c.ingestLive(sess, m)
	}
}
