package eventbus

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks a handler failure that redelivery cannot fix. The
// message is acknowledged and moved to the dead-letter queue.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// HandlerFunc processes one raw message. A nil error acknowledges it, an
// ErrPermanent error acknowledges and dead-letters it, any other error leaves
// it for redelivery.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Subscriber consumes durable queues with at-least-once delivery.
type Subscriber interface {
	// Subscribe registers handler for queue. Call before Start.
	Subscribe(queue string, handler HandlerFunc)
	// Start consumes every subscribed queue until ctx is done.
	Start(ctx context.Context) error
	Close() error
}

// Publisher sends best-effort notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte) error
	Close() error
}
