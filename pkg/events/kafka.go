package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"bookwarehouse/pkg/warehouse"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic, keyed by order or book so that
// the events of one order stay in one partition.
type KafkaPublisher struct {
	w MessageWriter
}

// NewKafkaPublisher returns a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	})
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

// Publish implements warehouse.Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, e warehouse.Event) error {
	body, err := encode(e)
	if err != nil {
		return err
	}

	headers := kafkaHeaders{{Key: HeaderEventType, Value: []byte(e.Type)}}
	inject(ctx, &headers)

	msg := kafka.Message{
		Key:     []byte(e.Key()),
		Value:   body,
		Headers: headers,
		Time:    e.OccurredAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s event: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// kafkaHeaders adapts message headers to propagation.TextMapCarrier.
type kafkaHeaders []kafka.Header

func (h *kafkaHeaders) Get(key string) string {
	for _, hdr := range *h {
		if hdr.Key == key {
			return string(hdr.Value)
		}
	}
	return ""
}

func (h *kafkaHeaders) Set(key, value string) {
	for i, hdr := range *h {
		if hdr.Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *kafkaHeaders) Keys() []string {
	keys := make([]string, len(*h))
	for i, hdr := range *h {
		keys[i] = hdr.Key
	}
	return keys
}
