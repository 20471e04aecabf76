// Package eventbus implements the queue transports of the ledger: Kafka,
// Redis streams and an in-process bus. Every transport consumes with
// at-least-once delivery and applies the same outcome rules to a handler
// result (see dispatch).
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/eventbus"
)

// Retry is the redelivery policy for transient handler failures.
type Retry struct {
	// MaxAttempts moves a message to the dead-letter queue after that many
	// failed deliveries. Zero retries forever.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetry retries forever, backing off from one second up to a minute.
func DefaultRetry() Retry {
	return Retry{Backoff: time.Second, MaxBackoff: time.Minute}
}

// Delay returns the wait before delivery attempt+1.
func (r Retry) Delay(attempt int) time.Duration {
	d := r.Backoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if r.MaxBackoff > 0 && d >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		return r.MaxBackoff
	}
	return d
}

// Exhausted reports whether attempt used up the retries.
func (r Retry) Exhausted(attempt int) bool {
	return r.MaxAttempts > 0 && attempt >= r.MaxAttempts
}

// outcome is what a transport does with a message after its handler ran.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeDeadLetter
	outcomeRetry
)

func (o outcome) String() string {
	switch o {
	case outcomeAck:
		return "ack"
	case outcomeDeadLetter:
		return "dead_letter"
	default:
		return "retry"
	}
}

// dispatch runs h on payload and maps the result: nil acknowledges, a
// permanent error or a panic dead-letters, anything else is retried until
// the policy gives up.
func dispatch(ctx context.Context, logger *slog.Logger, h eventbus.HandlerFunc, payload []byte, attempt int, retry Retry) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", eventbus.ErrPermanent, r)
			out = outcomeDeadLetter
			logger.Error("handler panic recovered", "panic", r)
		}
	}()
	err = h(ctx, payload)
	switch {
	case err == nil:
		return outcomeAck, nil
	case errors.Is(err, eventbus.ErrPermanent):
		return outcomeDeadLetter, err
	case retry.Exhausted(attempt):
		logger.Error("giving up on message", "attempts", attempt, "error", err)
		return outcomeDeadLetter, err
	default:
		return outcomeRetry, err
	}
}

// sleep waits d or until ctx is done and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// queueName joins a prefix and a currency code into a queue name.
func queueName(prefix, sep, queue string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return strings.ToLower(queue)
	}
	return prefix + sep + strings.ToLower(queue)
}
