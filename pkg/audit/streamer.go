package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/platinummonkey/bastion/pkg/observability"
)

// Publisher forwards persisted records to an external pipeline. Publish must
// not fail the audit write; implementations log their own errors.
type Publisher interface {
	Publish(ctx context.Context, rec *Record)
}

// DefaultTopic is the Kafka topic records are streamed to
const DefaultTopic = "bastion.audit.records"

// KafkaStreamer publishes records to Kafka with a synchronous producer
type KafkaStreamer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *observability.Logger
}

// NewKafkaStreamer connects a producer to brokers
func NewKafkaStreamer(brokers []string, topic string, logger *observability.Logger) (*KafkaStreamer, error) {
	config := sarama.NewConfig()
	config.ClientID = "bastion-audit"
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit producer: %w", err)
	}

	return NewKafkaStreamerFromProducer(producer, topic, logger), nil
}

// NewKafkaStreamerFromProducer wraps an existing producer
func NewKafkaStreamerFromProducer(producer sarama.SyncProducer, topic string, logger *observability.Logger) *KafkaStreamer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaStreamer{producer: producer, topic: topic, logger: logger}
}

// Publish sends rec keyed by its principal so one principal's records stay
// ordered within a partition
func (s *KafkaStreamer) Publish(ctx context.Context, rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode audit record for streaming")
		return
	}

	key := "anonymous"
	if rec.UserID != nil {
		key = strconv.FormatInt(*rec.UserID, 10)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).WithField("audit_id", rec.ID).Warn("failed to stream audit record")
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"audit_id":  rec.ID,
		"partition": partition,
		"offset":    offset,
	}).Debug("audit record streamed")
}

// Close flushes and closes the producer
func (s *KafkaStreamer) Close() error {
	return s.producer.Close()
}
