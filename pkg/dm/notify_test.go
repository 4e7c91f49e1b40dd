package dm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierMessageRoundTrip(t *testing.T) {
	n := NewNotifier()
	defer func() { _ = n.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := n.Messages(ctx)
	require.NoError(t, err)

	n.publish(TopicNewMessage, NewMessageEvent{
		Type:      "new-message",
		From:      "b@x.com",
		Channel:   "a@x.com-b@x.com",
		Text:      "hi",
		Timestamp: 100,
	})

	select {
	case ev := <-events:
		require.Equal(t, ParticipantID("b@x.com"), ev.From)
		require.Equal(t, "hi", ev.Text)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestNotifierStateRoundTrip(t *testing.T) {
	n := NewNotifier()
	defer func() { _ = n.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states, err := n.States(ctx)
	require.NoError(t, err)

	n.publish(TopicConnectionState, StateEvent{Channel: "a@x.com-b@x.com", State: StateReconnecting.String()})

	select {
	case ev := <-states:
		require.Equal(t, "reconnecting", ev.State)
	case <-time.After(time.Second):
		t.Fatal("state event never delivered")
	}
}

func TestNotifierCloseEndsSubscribers(t *testing.T) {
	n := NewNotifier()
	events, err := n.Messages(context.Background())
	require.NoError(t, err)

	require.NoError(t, n.Close())
	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel never closed")
	}
}
