package eventbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// KafkaConfig holds configuration for the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	// TopicPrefix is prepended to subscribed queues: <prefix>.<queue>.
	TopicPrefix  string
	DLQSuffix    string
	SASLUsername string
	SASLPassword string
	TLSEnabled   bool
	Retry        Retry
}

// DefaultKafkaConfig returns default configuration for the Kafka transport.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:     []string{"localhost:9092"},
		GroupID:     "ledger-reconciler",
		TopicPrefix: "chain.events",
		DLQSuffix:   ".dlq",
		Retry:       DefaultRetry(),
	}
}

// fetcher is the part of *kafka.Reader the consumer loop uses.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the bus uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka consumes one topic per subscribed queue in a consumer group and
// publishes notifications. An offset is committed only once its message is
// acknowledged or dead-lettered, so a crash redelivers it.
type Kafka struct {
	config *KafkaConfig
	dialer *kafka.Dialer
	writer messageWriter
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]eventbus.HandlerFunc
	readers  map[string]fetcher
	// newReader is replaced in tests.
	newReader func(topic string) fetcher
}

// NewWithKafka creates a Kafka transport and checks the first broker is reachable.
func NewWithKafka(ctx context.Context, config *KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	brokers := parseBrokers(config.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka event bus: brokers are required")
	}
	config.Brokers = brokers
	if config.GroupID == "" {
		config.GroupID = "ledger-reconciler"
	}
	if config.DLQSuffix == "" {
		config.DLQSuffix = ".dlq"
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, transport, err := newKafkaDialer(config)
	if err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
	}
	if transport != nil {
		writer.Transport = transport
	}

	b := newKafka(config, writer, logger)
	b.dialer = dialer
	b.newReader = func(topic string) fetcher {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     config.GroupID,
			Topic:       topic,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     time.Second,
			Dialer:      dialer,
		})
	}

	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("kafka event bus: connection failed: %w", err)
	}
	_ = conn.Close()

	logger.Info("Kafka event bus initialized",
		"group_id", config.GroupID,
		"brokers", brokers,
		"tls_enabled", dialer.TLS != nil,
		"sasl_enabled", dialer.SASLMechanism != nil,
	)
	return b, nil
}

func newKafka(config *KafkaConfig, writer messageWriter, logger *slog.Logger) *Kafka {
	return &Kafka{
		config:   config,
		writer:   writer,
		logger:   logger.With("bus", "kafka"),
		handlers: make(map[string]eventbus.HandlerFunc),
		readers:  make(map[string]fetcher),
	}
}

var (
	_ eventbus.Subscriber = (*Kafka)(nil)
	_ eventbus.Publisher  = (*Kafka)(nil)
)

// Topic returns the topic consumed for queue.
func (b *Kafka) Topic(queue string) string {
	return KafkaTopic(b.config.TopicPrefix, queue)
}

// KafkaTopic names the topic of queue under prefix.
func KafkaTopic(prefix, queue string) string {
	return queueName(prefix, ".", queue)
}

func (b *Kafka) Subscribe(queue string, handler eventbus.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[b.Topic(queue)] = handler
}

// Start consumes every subscribed topic until ctx is done.
func (b *Kafka) Start(ctx context.Context) error {
	b.mu.Lock()
	var wg sync.WaitGroup
	for topic, h := range b.handlers {
		r := b.newReader(topic)
		b.readers[topic] = r
		wg.Add(1)
		go func(topic string, h eventbus.HandlerFunc, r fetcher) {
			defer wg.Done()
			b.consume(ctx, topic, h, r)
		}(topic, h, r)
		b.logger.Info("consuming topic", "topic", topic, "group_id", b.config.GroupID)
	}
	b.mu.Unlock()
	wg.Wait()
	return nil
}

func (b *Kafka) consume(ctx context.Context, topic string, h eventbus.HandlerFunc, r fetcher) {
	logger := b.logger.With("topic", topic)
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("kafka consume error", "error", err)
			if !sleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		if !b.handle(ctx, logger, h, msg) {
			return
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			logger.Error("kafka commit error", "error", err, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

// handle delivers msg until it is acknowledged or dead-lettered. It returns
// false when ctx ends first, leaving the offset uncommitted.
func (b *Kafka) handle(ctx context.Context, logger *slog.Logger, h eventbus.HandlerFunc, msg kafka.Message) bool {
	logger = logger.With("partition", msg.Partition, "offset", msg.Offset)
	for attempt := 1; ; attempt++ {
		out, err := dispatch(ctx, logger, h, msg.Value, attempt, b.config.Retry)
		switch out {
		case outcomeAck:
			return true
		case outcomeDeadLetter:
			for {
				dlqErr := b.publishToDLQ(ctx, msg, err)
				if dlqErr == nil {
					return true
				}
				logger.Error("kafka dlq publish failed", "error", dlqErr)
				if !sleep(ctx, b.config.Retry.Delay(attempt)) {
					return false
				}
			}
		}
		logger.Warn("handler failed, redelivering", "attempt", attempt, "error", err)
		if !sleep(ctx, b.config.Retry.Delay(attempt)) {
			return false
		}
	}
}

func (b *Kafka) publishToDLQ(ctx context.Context, msg kafka.Message, cause error) error {
	dlqTopic := msg.Topic + b.config.DLQSuffix
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: dlqTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: "error", Value: []byte(reason)},
			{Key: "source_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
		},
		Time: time.Now(),
	}); err != nil {
		return fmt.Errorf("kafka event bus: dlq publish failed: %w", err)
	}
	b.logger.Warn("message sent to DLQ", "topic", msg.Topic, "dlq_topic", dlqTopic, "offset", msg.Offset, "error", cause)
	return nil
}

// Publish writes payload to topic, keyed for partition affinity.
func (b *Kafka) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	}); err != nil {
		return fmt.Errorf("kafka event bus: publish failed: %w", err)
	}
	return nil
}

// Close closes the readers and the writer.
func (b *Kafka) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, r := range b.readers {
		errs = append(errs, r.Close())
	}
	if b.writer != nil {
		errs = append(errs, b.writer.Close())
	}
	return errors.Join(errs...)
}

func newKafkaDialer(config *KafkaConfig) (*kafka.Dialer, *kafka.Transport, error) {
	var tlsConfig *tls.Config
	if config.TLSEnabled {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	saslMechanism, err := buildKafkaSASLMechanism(config)
	if err != nil {
		return nil, nil, err
	}
	dialer := &kafka.Dialer{
		Timeout:       5 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig,
		SASLMechanism: saslMechanism,
	}
	if tlsConfig == nil && saslMechanism == nil {
		return dialer, nil, nil
	}
	return dialer, &kafka.Transport{TLS: tlsConfig, SASL: saslMechanism}, nil
}

func buildKafkaSASLMechanism(config *KafkaConfig) (sasl.Mechanism, error) {
	username := strings.TrimSpace(config.SASLUsername)
	password := strings.TrimSpace(config.SASLPassword)
	if username == "" && password == "" {
		return nil, nil
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("kafka event bus: sasl username and password are required")
	}
	return plain.Mechanism{Username: username, Password: password}, nil
}

func parseBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, entry := range brokers {
		for _, p := range strings.Split(entry, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
