package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig contains configuration for the Kafka sink
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// KafkaSink forwards bus events to a Kafka topic.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink backed by a kafka-go writer
func NewKafkaSink(config KafkaConfig) *KafkaSink {
	if len(config.Brokers) == 0 {
		config.Brokers = []string{"localhost:9092"}
	}
	if config.Topic == "" {
		config.Topic = "codeheal-events"
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = time.Second
	}

	return &KafkaSink{
		topic: config.Topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  config.Topic,
			Balancer:               &kafka.LeastBytes{},
			BatchSize:              config.BatchSize,
			BatchTimeout:           config.BatchTimeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Produce writes a single event
func (s *KafkaSink) Produce(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Payload is in-process only; the wire form carries Data.
	wire := event
	wire.Payload = nil
	value, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(event.Type),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(event.Source)},
			{Key: "type", Value: []byte(event.Type)},
		},
	}

	if err := s.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	return nil
}

// Run drains events into Kafka until the channel closes or ctx ends.
// Write failures are logged and the event is skipped.
func (s *KafkaSink) Run(ctx context.Context, events <-chan Event) {
	log.Printf("📡 Kafka sink forwarding events to topic %s", s.topic)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.Produce(ctx, e); err != nil {
				log.Printf("⚠️  Kafka sink: %v", err)
			}
		}
	}
}

// Close closes the Kafka writer
func (s *KafkaSink) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}
