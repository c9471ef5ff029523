package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/pkg/logger"
	"github.com/shiftdesk/support-relay/pkg/metrics"
)

const (
	// StreamName is the name of the relay events stream.
	StreamName = "SUPPORT_RELAY"

	// SubjectPrefix is the prefix for all relay subjects.
	SubjectPrefix = "support"

	// ConsumerName is the durable consumer that forwards events to operators.
	ConsumerName = "operator-forwarder"
)

// EventSubject returns the subject for a relay event type. Conversation ids
// are opaque and may contain subject separators, so they travel in the payload.
func EventSubject(eventType model.EventType) string {
	return fmt.Sprintf("%s.event.%s", SubjectPrefix, eventType)
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the relay stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "End-user messages waiting to be forwarded to operators",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publisher implements service.Dispatcher by publishing relay events to
// JetStream. Forwarding happens in a Consumer, possibly on another instance.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Dispatch publishes the event. The event id doubles as the JetStream message
// id so retried publishes are dropped by the server.
func (p *Publisher) Dispatch(ctx context.Context, ev *model.RelayEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.client.JetStream().Publish(ctx, EventSubject(ev.Type), data, jetstream.WithMsgID(ev.ID)); err != nil {
		metrics.RelayFailuresTotal.WithLabelValues("publish").Inc()
		return model.NewRelayError("publish relay event", err)
	}

	return nil
}

// EventHandler processes a relay event taken off the stream.
type EventHandler interface {
	Dispatch(ctx context.Context, ev *model.RelayEvent) error
}

// Consumer feeds relay events from JetStream to an EventHandler.
type Consumer struct {
	client  *Client
	handler EventHandler
	logger  *logger.Logger
	cc      jetstream.ConsumeContext
}

// NewConsumer creates a consumer.
func NewConsumer(client *Client, handler EventHandler, log *logger.Logger) *Consumer {
	return &Consumer{
		client:  client,
		handler: handler,
		logger:  log.Named("nats_consumer"),
	}
}

// Start binds the durable consumer and begins delivering events. Events that
// fail are terminated, not redelivered; the end user sees the failure on the
// next message they send.
func (c *Consumer) Start(ctx context.Context) error {
	cons, err := c.client.JetStream().CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: EventSubject(model.EventTypeUserMessage),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.cc = cc

	c.logger.Info("consuming relay events", zap.String("stream", StreamName), zap.String("consumer", ConsumerName))
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	var ev model.RelayEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		c.logger.Error("dropping malformed relay event", zap.Error(err))
		_ = msg.Term()
		return
	}

	if err := c.handler.Dispatch(ctx, &ev); err != nil {
		c.logger.Error("failed to forward relay event",
			zap.String("event_id", ev.ID),
			zap.String("conversation_id", ev.ConversationID),
			zap.Error(err),
		)
		_ = msg.Term()
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("failed to ack relay event", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// Stop stops message delivery.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}
