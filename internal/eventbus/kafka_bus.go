package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/flagforge/evalservice/internal/domain"
)

// KafkaBus wraps an in-process Bus and also publishes every FlagChanged
// event to a Kafka topic for durable, cross-instance delivery — mirrors
// the teacher's PubSubEventBus, which wraps its in-memory EventBus with a
// Cloud Pub/Sub publish step keyed by tenant for ordering. Here the
// partition key is the tenant ID instead of a Pub/Sub ordering key, but
// the effect is the same: all changes for one tenant land in order.
type KafkaBus struct {
	*Bus

	writer *kafka.Writer
}

// NewKafkaBus builds a writer for brokers (connections are opened on the
// first write) and returns a bus that publishes to topic before fanning
// out locally.
func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // same tenant key -> same partition -> ordered
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		// With Async set, WriteMessages returns before delivery, so broker
		// write errors are reported only through this callback.
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				slog.Error("eventbus: kafka publish failed", "messages", len(msgs), "error", err)
			}
		},
	}
	slog.Info("eventbus: kafka bus connected", "brokers", brokers, "topic", topic)
	return &KafkaBus{Bus: New(), writer: writer}
}

// Publish publishes event to Kafka (durable, partitioned by tenant) and
// then fans it out to local subscribers exactly like Bus.Publish. Kafka
// publish failures are logged, never returned — a transient broker
// outage must not block flag invalidation for in-process subscribers.
func (k *KafkaBus) Publish(event domain.FlagChanged) {
	k.publishToKafka(event)
	k.Bus.Publish(event)
}

func (k *KafkaBus) publishToKafka(event domain.FlagChanged) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("eventbus: failed to marshal event for kafka", "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.Tenant),
		Value: payload,
		Time:  event.Timestamp,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("eventbus: kafka publish failed", "tenant", event.Tenant, "key", event.Key, "error", err)
	}
}

// Close shuts down the Kafka writer.
func (k *KafkaBus) Close() error {
	return k.writer.Close()
}
