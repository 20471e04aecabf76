package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/amirasaad/cryptoledger/pkg/eventbus"
)

// Message is one payload on an in-process queue.
type Message struct {
	Queue   string
	Key     string
	Payload []byte
}

// Memory is an in-process bus. Publish enqueues on the named queue and
// Start delivers each queue in order on its own goroutine, retrying a
// message until it is acknowledged or dead-lettered. Nothing survives a
// restart.
type Memory struct {
	mu         sync.Mutex
	handlers   map[string]eventbus.HandlerFunc
	queues     map[string]chan Message
	published  []Message
	deadLetter []Message
	size       int
	retry      Retry
	logger     *slog.Logger
	closed     bool
}

// NewWithMemory creates a memory bus whose queues buffer up to size messages.
func NewWithMemory(size int, retry Retry, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1024
	}
	return &Memory{
		handlers: make(map[string]eventbus.HandlerFunc),
		queues:   make(map[string]chan Message),
		size:     size,
		retry:    retry,
		logger:   logger.With("bus", "memory"),
	}
}

var (
	_ eventbus.Subscriber = (*Memory)(nil)
	_ eventbus.Publisher  = (*Memory)(nil)
)

func (b *Memory) queue(name string) chan Message {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Message, b.size)
		b.queues[name] = q
	}
	return q
}

func (b *Memory) Subscribe(queue string, handler eventbus.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[queue] = handler
	b.queue(queue)
}

// Publish enqueues payload. Queues without a subscriber only record it.
func (b *Memory) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := Message{Queue: topic, Key: key, Payload: payload}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return context.Canceled
	}
	b.published = append(b.published, msg)
	_, subscribed := b.handlers[topic]
	q := b.queue(topic)
	b.mu.Unlock()
	if !subscribed {
		return nil
	}
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Memory) Start(ctx context.Context) error {
	b.mu.Lock()
	var wg sync.WaitGroup
	for name, h := range b.handlers {
		wg.Add(1)
		go func(name string, h eventbus.HandlerFunc, q chan Message) {
			defer wg.Done()
			b.consume(ctx, name, h, q)
		}(name, h, b.queues[name])
	}
	b.mu.Unlock()
	wg.Wait()
	return nil
}

func (b *Memory) consume(ctx context.Context, name string, h eventbus.HandlerFunc, q chan Message) {
	logger := b.logger.With("queue", name)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q:
			for attempt := 1; ; attempt++ {
				out, err := dispatch(ctx, logger, h, msg.Payload, attempt, b.retry)
				if out == outcomeDeadLetter {
					logger.Warn("message dead-lettered", "key", msg.Key, "error", err)
					b.mu.Lock()
					b.deadLetter = append(b.deadLetter, msg)
					b.mu.Unlock()
				}
				if out != outcomeRetry {
					break
				}
				logger.Warn("handler failed, redelivering", "key", msg.Key, "attempt", attempt, "error", err)
				if !sleep(ctx, b.retry.Delay(attempt)) {
					return
				}
			}
		}
	}
}

// Published returns every message handed to Publish.
func (b *Memory) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// DeadLettered returns the messages moved to the dead-letter queue.
func (b *Memory) DeadLettered() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.deadLetter...)
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
