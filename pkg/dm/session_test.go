package dm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// mockBackend fakes the history endpoint and the live transport endpoint of
// the chat backend for coordinator tests.
type mockBackend struct {
	apiSrv *httptest.Server
	wsSrv  *httptest.Server

	mu           sync.Mutex
	history      map[ChannelID][]MessageFrame
	historyDelay map[ChannelID]time.Duration
	conns        map[ChannelID]*websocket.Conn
	echoSends    bool
	echoDelay    time.Duration
}

func newMockBackend(t *testing.T) *mockBackend {
	t.Helper()
	b := &mockBackend{
		history:      map[ChannelID][]MessageFrame{},
		historyDelay: map[ChannelID]time.Duration{},
		conns:        map[ChannelID]*websocket.Conn{},
		echoSends:    true,
	}

	b.apiSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) < 4 || parts[1] != "dm" || parts[3] != "history" {
			http.NotFound(w, r)
			return
		}
		channel := ChannelID(parts[2])
		b.mu.Lock()
		delay := b.historyDelay[channel]
		frames := b.history[channel]
		b.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if frames == nil {
			frames = []MessageFrame{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(frames)
	}))
	t.Cleanup(b.apiSrv.Close)

	upgrader := websocket.Upgrader{}
	b.wsSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) < 4 || parts[1] != "dm" || parts[3] != "ws" {
			http.NotFound(w, r)
			return
		}
		channel := ChannelID(parts[2])
		userID := r.URL.Query().Get("userId")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[channel] = conn
		b.mu.Unlock()
		for {
			var f SendFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			b.mu.Lock()
			echo := b.echoSends
			delay := b.echoDelay
			b.mu.Unlock()
			if echo {
				if delay > 0 {
					time.Sleep(delay)
				}
				_ = conn.WriteJSON(MessageFrame{
					ID:        f.ID,
					Sender:    userID,
					Text:      f.Text,
					Timestamp: time.Now().UnixMilli(),
				})
			}
		}
	}))
	t.Cleanup(b.wsSrv.Close)
	return b
}

func (b *mockBackend) setHistory(channel ChannelID, frames []MessageFrame, delay time.Duration) {
	b.mu.Lock()
	b.history[channel] = frames
	b.historyDelay[channel] = delay
	b.mu.Unlock()
}

// push sends a live frame to the client attached to channel, waiting for the
// connection to appear first.
func (b *mockBackend) push(t *testing.T, channel ChannelID, frame MessageFrame) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.conns[channel] != nil
	}, 2*time.Second, 5*time.Millisecond)
	b.mu.Lock()
	conn := b.conns[channel]
	b.mu.Unlock()
	require.NoError(t, conn.WriteJSON(frame))
}

func (b *mockBackend) config() Config {
	return Config{
		APIBaseURL:         b.apiSrv.URL,
		WSBaseURL:          wsURL(b.wsSrv),
		DialTimeout:        time.Second,
		HistoryTimeout:     2 * time.Second,
		MaxAttempts:        5,
		RetryStep:          time.Millisecond,
		MaxRetryDelay:      5 * time.Millisecond,
		ReconcileTolerance: 5 * time.Second,
	}
}

func TestCoordinatorScenario(t *testing.T) {
	backend := newMockBackend(t)
	backend.setHistory("a@x.com-b@x.com", []MessageFrame{
		{Sender: "b@x.com", Text: "hi", Timestamp: 100},
	}, 0)
	backend.mu.Lock()
	backend.echoDelay = 150 * time.Millisecond // leave the echo visible first
	backend.mu.Unlock()

	coord := NewCoordinator(backend.config())
	defer func() { _ = coord.Shutdown() }()

	require.NoError(t, coord.Open(context.Background(), "a@x.com", "b@x.com"))
	channel, ok := coord.ActiveChannel()
	require.True(t, ok)
	require.Equal(t, ChannelID("a@x.com-b@x.com"), channel)
	require.Equal(t, StateConnected, coord.State())

	require.Eventually(t, func() bool {
		return len(coord.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, coord.Send("hello"))
	view := coord.Messages()
	require.Len(t, view, 2)
	require.Equal(t, "hi", view[0].Text)
	require.Equal(t, "hello", view[1].Text)
	require.True(t, view[1].LocalEcho)

	// The backend echoes the send; the echo entry reconciles in place.
	require.Eventually(t, func() bool {
		view := coord.Messages()
		return len(view) == 2 && !view[1].LocalEcho
	}, 2*time.Second, 5*time.Millisecond)

	view = coord.Messages()
	require.Equal(t, ParticipantID("a@x.com"), view[1].Sender)
	require.Equal(t, "hello", view[1].Text)
	requireOrdered(t, view)
}

func TestCoordinatorOpenInvalidParticipant(t *testing.T) {
	coord := NewCoordinator(Config{APIBaseURL: "http://127.0.0.1:1", WSBaseURL: "ws://127.0.0.1:1"})
	defer func() { _ = coord.Shutdown() }()

	require.ErrorIs(t, coord.Open(context.Background(), "", "b@x.com"), ErrInvalidParticipant)
	require.ErrorIs(t, coord.Open(context.Background(), "a@x.com", " "), ErrInvalidParticipant)
}

func TestCoordinatorSendValidations(t *testing.T) {
	coord := NewCoordinator(Config{APIBaseURL: "http://127.0.0.1:1", WSBaseURL: "ws://127.0.0.1:1"})
	defer func() { _ = coord.Shutdown() }()

	require.ErrorIs(t, coord.Send("hello"), ErrNoActiveSession)
	require.ErrorIs(t, coord.Send("   "), ErrEmptyMessage)
}

func TestCoordinatorSendWhileDisconnectedKeepsEcho(t *testing.T) {
	backend := newMockBackend(t)
	cfg := backend.config()
	cfg.WSBaseURL = "ws://127.0.0.1:1" // transport never comes up

	coord := NewCoordinator(cfg)
	defer func() { _ = coord.Shutdown() }()

	require.NoError(t, coord.Open(context.Background(), "a@x.com", "b@x.com"))
	require.Equal(t, StateDisconnected, coord.State())

	err := coord.Send("hello")
	require.ErrorIs(t, err, ErrNotConnected)

	require.Eventually(t, func() bool {
		view := coord.Messages()
		return len(view) == 1 && view[0].LocalEcho
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorStaleSessionCancellation(t *testing.T) {
	backend := newMockBackend(t)
	chanA, err := DeriveChannelID("a@x.com", "slow@x.com")
	require.NoError(t, err)
	chanB, err := DeriveChannelID("a@x.com", "fast@x.com")
	require.NoError(t, err)

	backend.setHistory(chanA, []MessageFrame{
		{Sender: "slow@x.com", Text: "stale", Timestamp: 100},
	}, 500*time.Millisecond)
	backend.setHistory(chanB, []MessageFrame{
		{Sender: "fast@x.com", Text: "fresh", Timestamp: 200},
	}, 0)

	coord := NewCoordinator(backend.config())
	defer func() { _ = coord.Shutdown() }()

	require.NoError(t, coord.Open(context.Background(), "a@x.com", "slow@x.com"))
	require.NoError(t, coord.Open(context.Background(), "a@x.com", "fast@x.com"))

	channel, ok := coord.ActiveChannel()
	require.True(t, ok)
	require.Equal(t, chanB, channel)

	// Wait past the point where A's delayed history would have resolved.
	time.Sleep(700 * time.Millisecond)

	view := coord.Messages()
	require.Len(t, view, 1)
	require.Equal(t, "fresh", view[0].Text)
}

func TestCoordinatorBuffersLiveUntilHistory(t *testing.T) {
	backend := newMockBackend(t)
	channel, err := DeriveChannelID("a@x.com", "b@x.com")
	require.NoError(t, err)
	backend.setHistory(channel, []MessageFrame{
		{Sender: "b@x.com", Text: "old", Timestamp: 100},
	}, 200*time.Millisecond)

	coord := NewCoordinator(backend.config())
	defer func() { _ = coord.Shutdown() }()

	require.NoError(t, coord.Open(context.Background(), "a@x.com", "b@x.com"))
	// Arrives while history is still in flight; must not be lost or
	// clobbered by the later IngestHistory.
	backend.push(t, channel, MessageFrame{Sender: "b@x.com", Text: "live", Timestamp: 300})

	require.Eventually(t, func() bool {
		return len(coord.Messages()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	view := coord.Messages()
	require.Equal(t, "old", view[0].Text)
	require.Equal(t, "live", view[1].Text)
	requireOrdered(t, view)
}

func TestCoordinatorNotificationEvents(t *testing.T) {
	backend := newMockBackend(t)
	channel, err := DeriveChannelID("a@x.com", "b@x.com")
	require.NoError(t, err)

	coord := NewCoordinator(backend.config())
	defer func() { _ = coord.Shutdown() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := coord.Notifier().Messages(ctx)
	require.NoError(t, err)

	require.NoError(t, coord.Open(ctx, "a@x.com", "b@x.com"))
	backend.push(t, channel, MessageFrame{Sender: "b@x.com", Text: "ping", Timestamp: 100})

	select {
	case ev := <-events:
		require.Equal(t, "new-message", ev.Type)
		require.Equal(t, ParticipantID("b@x.com"), ev.From)
		require.Equal(t, channel, ev.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for peer message")
	}

	// Confirmations of the local user's own sends never notify.
	require.NoError(t, coord.Send("pong"))
	select {
	case ev := <-events:
		t.Fatalf("unexpected notification for own message: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCoordinatorCloseKeepsLedgerFrozen(t *testing.T) {
	backend := newMockBackend(t)
	channel, err := DeriveChannelID("a@x.com", "b@x.com")
	require.NoError(t, err)
	backend.setHistory(channel, []MessageFrame{
		{Sender: "b@x.com", Text: "hi", Timestamp: 100},
	}, 0)

	coord := NewCoordinator(backend.config())
	defer func() { _ = coord.Shutdown() }()

	require.NoError(t, coord.Open(context.Background(), "a@x.com", "b@x.com"))
	require.Eventually(t, func() bool {
		return len(coord.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	coord.Close()
	require.Equal(t, StateDisconnected, coord.State())

	view := coord.Messages()
	require.Len(t, view, 1)
	require.Equal(t, "hi", view[0].Text)
}
