package dm

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/spiritbulb/chatter/pkg/wmlog"
)

const (
	// TopicNewMessage carries NewMessageEvent for inbound messages not
	// authored by the local user.
	TopicNewMessage = "dm.new-message"
	// TopicConnectionState carries StateEvent for transport transitions.
	TopicConnectionState = "dm.connection"
)

// NewMessageEvent is raised for every live inbound message whose sender is
// not the local user. The notification collaborator decides whether it
// becomes a user-visible alert.
type NewMessageEvent struct {
	Type      string        `json:"type"`
	From      ParticipantID `json:"from"`
	Channel   ChannelID     `json:"channel"`
	Text      string        `json:"text"`
	Timestamp int64         `json:"timestamp"`
}

// StateEvent mirrors a transport state transition onto the event bus.
type StateEvent struct {
	Channel ChannelID `json:"channel"`
	State   string    `json:"state"`
}

// Notifier is the in-process pub/sub surface between the session core and
// the outward collaborators (notification badge, conversation list).
type Notifier struct {
	pubsub *gochannel.GoChannel
}

func NewNotifier() *Notifier {
	return &Notifier{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			wmlog.New(log.With().Str("component", "dm-bus").Logger()),
		),
	}
}

func (n *Notifier) publish(topic string, payload any) {
	if n == nil || n.pubsub == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("component", "dm").Str("topic", topic).Msg("marshal event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if err := n.pubsub.Publish(topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "dm").Str("topic", topic).Msg("publish event")
	}
}

// Messages subscribes to new-message events. The channel closes when ctx is
// cancelled or the notifier is closed.
func (n *Notifier) Messages(ctx context.Context) (<-chan NewMessageEvent, error) {
	msgs, err := n.pubsub.Subscribe(ctx, TopicNewMessage)
	if err != nil {
		return nil, err
	}
	out := make(chan NewMessageEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev NewMessageEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "dm").Msg("decode new-message event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// States subscribes to connection-state events.
func (n *Notifier) States(ctx context.Context) (<-chan StateEvent, error) {
	msgs, err := n.pubsub.Subscribe(ctx, TopicConnectionState)
	if err != nil {
		return nil, err
	}
	out := make(chan StateEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev StateEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "dm").Msg("decode state event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close shuts the underlying pub/sub down; subscriber channels drain and
// close.
func (n *Notifier) Close() error {
	if n == nil || n.pubsub == nil {
		return nil
	}
	return n.pubsub.Close()
}
