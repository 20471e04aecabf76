package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields.
const (
	fieldKey     = "key"
	fieldPayload = "payload"
	fieldError   = "error"
	fieldSource  = "source_id"
)

// RedisConfig holds configuration for the Redis streams transport.
type RedisConfig struct {
	// StreamPrefix is prepended to subscribed queues: <prefix>:<queue>.
	StreamPrefix string
	Group        string
	// Consumer names this process in the group. It must be stable across
	// restarts so that messages left pending by a crash are picked up again.
	Consumer  string
	DLQSuffix string
	Block     time.Duration
	Count     int64
	// MaxLen caps published streams (approximate trimming). Zero keeps all.
	MaxLen int64
	Retry  Retry
}

// DefaultRedisConfig returns default configuration for the Redis transport.
func DefaultRedisConfig() *RedisConfig {
	host, _ := os.Hostname()
	if host == "" {
		host = "ledger"
	}
	return &RedisConfig{
		StreamPrefix: "chain.events",
		Group:        "ledger-reconciler",
		Consumer:     host,
		DLQSuffix:    "-dlq",
		Block:        5 * time.Second,
		Count:        10,
		MaxLen:       100_000,
		Retry:        DefaultRetry(),
	}
}

// Redis consumes one stream per subscribed queue through a consumer group
// and publishes notifications with XADD. A message is XACKed only once it
// is acknowledged or dead-lettered.
type Redis struct {
	client redis.Cmdable
	config *RedisConfig
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]eventbus.HandlerFunc
}

// NewWithRedis creates a Redis streams transport on client.
func NewWithRedis(client redis.Cmdable, config *RedisConfig, logger *slog.Logger) *Redis {
	if config == nil {
		config = DefaultRedisConfig()
	}
	def := DefaultRedisConfig()
	if config.Group == "" {
		config.Group = def.Group
	}
	if config.Consumer == "" {
		config.Consumer = def.Consumer
	}
	if config.DLQSuffix == "" {
		config.DLQSuffix = def.DLQSuffix
	}
	if config.Count <= 0 {
		config.Count = def.Count
	}
	if config.Block <= 0 {
		config.Block = def.Block
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:   client,
		config:   config,
		logger:   logger.With("bus", "redis", "group", config.Group, "consumer", config.Consumer),
		handlers: make(map[string]eventbus.HandlerFunc),
	}
}

var (
	_ eventbus.Subscriber = (*Redis)(nil)
	_ eventbus.Publisher  = (*Redis)(nil)
)

// Stream returns the stream consumed for queue.
func (b *Redis) Stream(queue string) string {
	return queueName(b.config.StreamPrefix, ":", queue)
}

func (b *Redis) Subscribe(queue string, handler eventbus.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[b.Stream(queue)] = handler
}

// Start creates the consumer groups and consumes every subscribed stream
// until ctx is done.
func (b *Redis) Start(ctx context.Context) error {
	b.mu.Lock()
	handlers := make(map[string]eventbus.HandlerFunc, len(b.handlers))
	for s, h := range b.handlers {
		handlers[s] = h
	}
	b.mu.Unlock()

	for stream := range handlers {
		if err := b.ensureGroup(ctx, stream); err != nil {
			return err
		}
	}
	var wg sync.WaitGroup
	for stream, h := range handlers {
		wg.Add(1)
		go func(stream string, h eventbus.HandlerFunc) {
			defer wg.Done()
			b.consume(ctx, stream, h)
		}(stream, h)
		b.logger.Info("consuming stream", "stream", stream)
	}
	wg.Wait()
	return nil
}

func (b *Redis) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis event bus: creating group on %s: %w", stream, err)
	}
	return nil
}

func (b *Redis) consume(ctx context.Context, stream string, h eventbus.HandlerFunc) {
	logger := b.logger.With("stream", stream)
	// drain what this consumer left pending before taking new messages
	pending := true
	for ctx.Err() == nil {
		id := ">"
		if pending {
			id = "0"
		}
		n, err := b.poll(ctx, stream, id, h)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("error reading from stream", "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if pending && n == 0 {
			pending = false
		}
	}
}

// poll reads one batch starting at id and handles it. It returns the number
// of messages read.
func (b *Redis) poll(ctx context.Context, stream, id string, h eventbus.HandlerFunc) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    b.config.Group,
		Consumer: b.config.Consumer,
		Streams:  []string{stream, id},
		Count:    b.config.Count,
		Block:    b.config.Block,
	}
	if id != ">" {
		args.Block = -1
	}
	res, err := b.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range res {
		for _, msg := range s.Messages {
			n++
			if !b.handle(ctx, stream, h, msg) {
				return n, ctx.Err()
			}
		}
	}
	return n, nil
}

// handle delivers msg until it is acknowledged or dead-lettered. It returns
// false when ctx ends first, leaving the message pending.
func (b *Redis) handle(ctx context.Context, stream string, h eventbus.HandlerFunc, msg redis.XMessage) bool {
	logger := b.logger.With("stream", stream, "msg_id", msg.ID)
	payload, _ := msg.Values[fieldPayload].(string)
	key, _ := msg.Values[fieldKey].(string)
	for attempt := 1; ; attempt++ {
		out, err := dispatch(ctx, logger, h, []byte(payload), attempt, b.config.Retry)
		if out == outcomeRetry {
			logger.Warn("handler failed, redelivering", "attempt", attempt, "error", err)
			if !sleep(ctx, b.config.Retry.Delay(attempt)) {
				return false
			}
			continue
		}
		if out == outcomeDeadLetter {
			if dlqErr := b.pushToDLQ(ctx, stream, msg.ID, key, payload, err); dlqErr != nil {
				logger.Error("failed to push to DLQ", "error", dlqErr)
				if !sleep(ctx, b.config.Retry.Delay(attempt)) {
					return false
				}
				continue
			}
		}
		if err := b.client.XAck(ctx, stream, b.config.Group, msg.ID).Err(); err != nil {
			logger.Error("failed to acknowledge message", "error", err)
		}
		return true
	}
}

func (b *Redis) pushToDLQ(ctx context.Context, stream, id, key, payload string, cause error) error {
	dlqStream := stream + b.config.DLQSuffix
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: []any{fieldKey, key, fieldPayload, payload, fieldError, reason, fieldSource, id},
	}).Err(); err != nil {
		return err
	}
	b.logger.Warn("event pushed to DLQ", "stream", stream, "dlq_stream", dlqStream, "msg_id", id, "error", cause)
	return nil
}

// Publish appends payload to the stream named topic.
func (b *Redis) Publish(ctx context.Context, topic, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: []any{fieldKey, key, fieldPayload, string(payload)},
	}
	if b.config.MaxLen > 0 {
		args.MaxLen = b.config.MaxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis event bus: publish failed: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (b *Redis) Close() error { return nil }
