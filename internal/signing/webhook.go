package signing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// SessionMetadataKey carries the session id on status messages so
// subscribers can filter without decoding the payload.
const SessionMetadataKey = "session_id"

// WebhookFeed fans status callbacks from the signing service out to waiting
// runs over a watermill topic.
type WebhookFeed struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	lookup     StatusLookup
	logger     *zap.Logger
}

// NewWebhookFeed creates a feed on topic. When lookup is not nil, each
// subscription first reports the session's current status, so a callback
// that arrived before the subscription is not lost.
func NewWebhookFeed(pub message.Publisher, sub message.Subscriber, topic string, lookup StatusLookup, logger *zap.Logger) *WebhookFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookFeed{
		publisher:  pub,
		subscriber: sub,
		topic:      topic,
		lookup:     lookup,
		logger:     logger,
	}
}

// Publish forwards a status callback to subscribers.
func (f *WebhookFeed) Publish(u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("signing: marshal update: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(SessionMetadataKey, u.SessionID)
	if err := f.publisher.Publish(f.topic, msg); err != nil {
		return fmt.Errorf("signing: publish update for %s: %w", u.SessionID, err)
	}
	return nil
}

// Subscribe streams callbacks for sessionID until a terminal status arrives
// or ctx is done.
func (f *WebhookFeed) Subscribe(ctx context.Context, sessionID string) (<-chan Update, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := f.subscriber.Subscribe(subCtx, f.topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("signing: subscribe %s: %w", sessionID, err)
	}

	var current *Update
	if f.lookup != nil {
		u, err := f.lookup.GetSession(ctx, sessionID)
		if err != nil {
			cancel()
			drain(msgs)
			return nil, fmt.Errorf("signing: subscribe %s: %w", sessionID, err)
		}
		current = &u
	}

	out := make(chan Update, 1)
	go func() {
		defer close(out)
		defer drain(msgs)
		defer cancel()

		last := Status("")
		if current != nil {
			if !send(ctx, out, *current) || current.Status.IsTerminal() {
				return
			}
			last = current.Status
		}

		for msg := range msgs {
			msg.Ack()
			if msg.Metadata.Get(SessionMetadataKey) != sessionID {
				continue
			}

			var u Update
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				f.logger.Warn("signing: dropping malformed status message",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
				continue
			}
			if u.Status == last {
				continue
			}
			last = u.Status
			if !send(ctx, out, u) || u.Status.IsTerminal() {
				return
			}
		}
	}()
	return out, nil
}

// drain acks remaining messages until the subscription closes.
func drain(msgs <-chan *message.Message) {
	for msg := range msgs {
		msg.Ack()
	}
}
