package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"session-service/internal/client"
)

// KafkaSink publishes audit events to the audit topic, keyed by user so a
// user's events stay ordered within a partition.
type KafkaSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaSink(producer *client.KafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		topic:    topic,
	}
}

func (s *KafkaSink) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := []byte(event.UserID)
	if len(key) == 0 {
		key = []byte(event.EventID)
	}

	headers := map[string]string{
		"event_type": string(event.EventType),
	}
	return s.producer.ProduceMessage(ctx, s.topic, key, payload, headers)
}
