package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"stockrecon/backend/internal/domain"
)

// KafkaConfig holds the broker list and topic for applied-adjustment events.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ParseKafkaConfig parses a comma-separated broker string.
func ParseKafkaConfig(brokers string, topic string) KafkaConfig {
	list := make([]string, 0, 4)
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			list = append(list, broker)
		}
	}
	return KafkaConfig{Brokers: list, Topic: topic}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, topic: cfg.Topic}
}

// PublishApplied writes one message per record, keyed by branch and product so
// changes to the same ledger row stay ordered within a partition.
func (p *KafkaPublisher) PublishApplied(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		payload, err := json.Marshal(NewAdjustmentApplied(record))
		if err != nil {
			return fmt.Errorf("marshal adjustment event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(record.BranchID + ":" + record.ProductID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(TypeAdjustmentApplied)},
			},
			Time: record.AppliedAt,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
