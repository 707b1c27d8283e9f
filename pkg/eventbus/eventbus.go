// Package eventbus publishes operation progress so API clients polling an
// operation, or anything else listening, can follow a pipeline run live.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/models"
)

// TopicOperationLogs carries one message per persisted operation log entry.
const TopicOperationLogs = "ram.operations.logs"

// OperationLogEvent is the published shape of a ledger write.
type OperationLogEvent struct {
	OperationID int64                  `json:"operation_id"`
	Name        string                 `json:"name"`
	ProjectID   int64                  `json:"project_id"`
	ScenarioID  int64                  `json:"scenario_id"`
	Status      models.OperationStatus `json:"status"`
	Code        string                 `json:"code"`
	Data        map[string]any         `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Handler consumes one event. Returning an error nacks the message.
type Handler func(ctx context.Context, event *OperationLogEvent) error

// Bus is the progress pub/sub surface.
type Bus interface {
	PublishOperationLog(ctx context.Context, event *OperationLogEvent) error
	SubscribeOperationLogs(ctx context.Context, handler Handler) error
	Close() error
}

// WatermillBus routes events through a watermill publisher/subscriber
// pair.
type WatermillBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// NewWatermillBus wraps an existing publisher/subscriber pair.
func NewWatermillBus(pub message.Publisher, sub message.Subscriber) *WatermillBus {
	return &WatermillBus{publisher: pub, subscriber: sub}
}

// NewGoChannelBus creates an in-process bus. Server and pipeline run in
// one process, so this is the default wiring.
func NewGoChannelBus(logger watermill.LoggerAdapter) *WatermillBus {
	channel := gochannel.NewGoChannel(gochannel.Config{}, logger)

	return NewWatermillBus(channel, channel)
}

func (b *WatermillBus) PublishOperationLog(ctx context.Context, event *OperationLogEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)

	return b.publisher.Publish(TopicOperationLogs, msg)
}

func (b *WatermillBus) SubscribeOperationLogs(ctx context.Context, handler Handler) error {
	messages, err := b.subscriber.Subscribe(ctx, TopicOperationLogs)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var event OperationLogEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Nack()

				continue
			}

			if err := handler(msg.Context(), &event); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (b *WatermillBus) Close() error {
	return b.publisher.Close()
}
