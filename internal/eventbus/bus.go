// Package eventbus is the in-process publish/subscribe bus that carries
// host-originated events (stream stopped/started) and recovery
// notifications between the Recovery Engine, Host Client, and Notifier,
// generalizing the teacher's internal/eventprocessor router pattern
// (github.com/ThreeDotsLabs/watermill) to a single-process, no-broker
// topology — this supervisor has no external consumers for these events,
// so the NATS transport the teacher pairs with Watermill is dropped in
// favor of watermill's in-memory gochannel pub/sub (see DESIGN.md).
package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sponsorn/streamloop/internal/logging"
)

// Topic names carried on the bus.
const (
	TopicNotify       = "notify"
	TopicStreamState  = "stream.state"
	TopicRecoveryStep = "recovery.step"
)

// Bus wraps a Watermill gochannel pub/sub for in-process event delivery.
// One Bus instance is owned by the Supervisor for the life of the
// process; a config reload rebuilds the Recovery Engine, Host Client, and
// Notifier around it but keeps the same Bus.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerologWatermillLogger
}

// New creates a Bus. Close must be called to release the underlying
// gochannel pub/sub's goroutines.
func New() *Bus {
	logger := zerologWatermillLogger{logging.WithComponent("eventbus")}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, logger),
		logger: logger,
	}
}

// Publish marshals payload to JSON and publishes it on topic.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload for topic %s: %w", topic, err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("published_at", time.Now().UTC().Format(time.RFC3339))
	return b.pubsub.Publish(topic, msg)
}

// Subscribe returns the channel of raw messages for topic. Callers are
// responsible for unmarshaling msg.Payload and calling msg.Ack()/Nack().
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Close releases the pub/sub's internal goroutines and channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// zerologWatermillLogger adapts the package logger to watermill's
// LoggerAdapter interface so router/pubsub diagnostics flow through the
// same structured logging pipeline as the rest of the supervisor.
type zerologWatermillLogger struct {
	log zerolog.Logger
}

var _ watermill.LoggerAdapter = zerologWatermillLogger{}

func (l zerologWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	ev := l.log.Error()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Err(err).Msg(msg)
}

func (l zerologWatermillLogger) Info(msg string, fields watermill.LogFields) {
	ev := l.log.Info()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l zerologWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	ev := l.log.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l zerologWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	ev := l.log.Trace()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l zerologWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := l.log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return zerologWatermillLogger{log: ctx.Logger()}
}
