package metrics

import (
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tripflow/pkg/errors"
)

// KafkaSink publishes timing events as JSON through an async producer.
// Events are keyed by label so one label stays on one partition.
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaSink connects an async producer to brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka sink requires at least one broker")
	}
	producer, err := sarama.NewAsyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer").
			WithDetail("brokers", brokers)
	}
	logger.Info("Created async Kafka producer", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return NewKafkaSinkFromProducer(producer, topic, logger), nil
}

// KafkaConfig is the producer configuration used for timing events.
// Losing an event is acceptable, so only the leader acknowledges.
func KafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "tripflow"
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Compression = sarama.CompressionLZ4
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	return config
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(producer sarama.AsyncProducer, topic string, logger *zap.Logger) *KafkaSink {
	s := &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With(zap.String("component", "kafka_sink")),
	}
	s.wg.Add(1)
	go s.handleResponses()
	return s
}

// Report implements Sink.
func (s *KafkaSink) Report(e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		TimingEvents.WithLabelValues("kafka", "failed").Inc()
		return
	}
	msg := &sarama.ProducerMessage{
		Topic:     s.topic,
		Key:       sarama.StringEncoder(e.Label),
		Value:     sarama.ByteEncoder(value),
		Timestamp: e.At,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		TimingEvents.WithLabelValues("kafka", "dropped").Inc()
		return
	}
	select {
	case s.producer.Input() <- msg:
	default:
		TimingEvents.WithLabelValues("kafka", "dropped").Inc()
	}
}

// handleResponses drains both result channels until the producer closes them.
func (s *KafkaSink) handleResponses() {
	defer s.wg.Done()

	successes := s.producer.Successes()
	errs := s.producer.Errors()
	for successes != nil || errs != nil {
		select {
		case msg, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			TimingEvents.WithLabelValues("kafka", "sent").Inc()
			s.logger.Debug("Timing event produced",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			TimingEvents.WithLabelValues("kafka", "failed").Inc()
			s.logger.Warn("Failed to produce timing event",
				zap.String("topic", perr.Msg.Topic),
				zap.Error(perr.Err))
		}
	}
}

// Close flushes in-flight events and shuts the producer down.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.producer.AsyncClose()
	s.wg.Wait()
	return nil
}
