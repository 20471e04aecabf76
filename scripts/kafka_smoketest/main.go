// Command kafka_smoketest creates the ledger topics on a local Kafka cluster
// and round-trips a test message through them.
//
// Usage: go run ./scripts/kafka_smoketest
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	infra_eventbus "github.com/amirasaad/cryptoledger/infra/eventbus"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/segmentio/kafka-go"
)

// ledgerTopics lists the inbound chain topics with their dead-letter topics
// and the outbound transfers topic.
func ledgerTopics(cfg *config.App) ([]string, error) {
	codes, err := cfg.Chain.Tracked()
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, 2*len(codes)+1)
	for _, code := range codes {
		t := infra_eventbus.KafkaTopic(cfg.Bus.InboundPrefix, code.String())
		topics = append(topics, t, t+cfg.Kafka.DLQSuffix)
	}
	return append(topics, cfg.Bus.TransfersTopic), nil
}

// RunSmokeTest creates the ledger topics and round-trips a test message on
// a dedicated topic so no consumer of the ledger sees it.
func RunSmokeTest(ctx context.Context, cfg *config.App, logger *slog.Logger) error {
	topics, err := ledgerTopics(cfg)
	if err != nil {
		return err
	}
	smoke := infra_eventbus.KafkaTopic(cfg.Bus.InboundPrefix, "smoketest")
	brokers := cfg.Kafka.Brokers

	dialer := &kafka.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial %s: %w", brokers[0], err)
	}
	defer func() { _ = conn.Close() }()
	for _, t := range append(topics, smoke) {
		err = conn.CreateTopics(kafka.TopicConfig{
			Topic:             t,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return fmt.Errorf("create topic %s: %w", t, err)
		}
		logger.Info("topic ready", "topic", t)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
	}
	defer func() { _ = w.Close() }()
	sent := "smoke-" + time.Now().Format(time.RFC3339Nano)
	if err := w.WriteMessages(ctx, kafka.Message{Topic: smoke, Key: []byte("smoke"), Value: []byte(sent)}); err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     cfg.Kafka.GroupID + "-smoketest",
		Topic:       smoke,
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})
	defer func() { _ = r.Close() }()
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		_ = r.CommitMessages(ctx, msg)
		if string(msg.Value) == sent {
			logger.Info("kafka smoke test passed", "topic", smoke, "offset", msg.Offset)
			return nil
		}
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg, err := config.Load(".env")
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := RunSmokeTest(ctx, cfg, logger); err != nil {
		logger.Error("kafka smoke test failed", "error", err)
		os.Exit(1)
	}
}
