package mqx

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"social-credit-ledger/shared/config"
)

// Producer writes to any topic; the topic is chosen per message. Messages
// with the same key land on the same partition, which keeps one member's
// events in stream order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  max(cfg.KafkaRetryMax, 1),
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Duration(max(cfg.KafkaWriteMS, 1)) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.kafka.message_key", string(key)),
	)
	defer span.End()
	if err := p.writer.WriteMessages(ctx, Message(topic, key, value, headers)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Message builds a record with headers in key order.
func Message(topic string, key []byte, value []byte, headers map[string]string) kafka.Message {
	msg := kafka.Message{Topic: topic, Key: key, Value: value}
	if len(headers) == 0 {
		return msg
	}
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	msg.Headers = make([]kafka.Header, 0, len(names))
	for _, k := range names {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return msg
}

// Header returns the first header named key.
func Header(msg kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// ReaderConfig joins groupID on every topic in topics. Offsets are committed
// explicitly by the caller, and a new group starts from the oldest message.
func ReaderConfig(cfg config.Config, topics []string, groupID string) (kafka.ReaderConfig, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return kafka.ReaderConfig{}, errors.New("KAFKA_BROKERS is required")
	}
	if len(topics) == 0 {
		return kafka.ReaderConfig{}, errors.New("at least one topic is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return kafka.ReaderConfig{}, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	return kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        groupID,
		GroupTopics:    topics,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
	}, nil
}

func NewConsumer(cfg config.Config, topics []string, groupID string) (*kafka.Reader, error) {
	rc, err := ReaderConfig(cfg, topics, groupID)
	if err != nil {
		return nil, err
	}
	return kafka.NewReader(rc), nil
}
