package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

const (
	eventStreamName     = "EVENTS"
	eventSubjectBase    = "task.event"
	eventStreamSubjects = "task.event.*"
)

// NATSBroadcaster fans committed lifecycle events out to a JetStream stream
// so monitoring consumers can follow task activity without polling the store.
type NATSBroadcaster struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSBroadcaster creates the broadcaster and ensures the events stream
// exists.
func NewNATSBroadcaster(js nats.JetStreamContext, logger *zap.Logger) (*NATSBroadcaster, error) {
	b := &NATSBroadcaster{
		logger: logger.Named("broadcaster"),
		js:     js,
	}

	_, err := js.StreamInfo(eventStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{eventStreamSubjects},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		b.logger.Info("Created event stream", zap.String("stream", eventStreamName))
	}

	return b, nil
}

// Broadcast publishes one message per event on task.event.<type>.
func (b *NATSBroadcaster) Broadcast(ctx context.Context, ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", eventSubjectBase, ev.Type)
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe delivers broadcast events to the handler until ctx is done.
func (b *NATSBroadcaster) Subscribe(ctx context.Context, handler func(*model.Event)) error {
	sub, err := b.js.Subscribe(eventStreamSubjects, func(msg *nats.Msg) {
		var ev model.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}
		handler(&ev)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
