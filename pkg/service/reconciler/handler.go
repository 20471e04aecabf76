package reconciler

import (
	"context"
	"errors"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/eventbus"
)

// Handler adapts the reconciler to a queue consumer. Payloads that cannot be
// decoded or normalized are dead-lettered; every other failure is left for
// redelivery.
func (r *Reconciler) Handler() eventbus.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		ev, err := chain.Decode(payload)
		if err != nil {
			r.logger.Error("undecodable chain event", "size", len(payload), "error", err)
			return eventbus.Permanent(err)
		}
		_, err = r.process(ctx, ev, payload)
		if errors.Is(err, domain.ErrMalformedInput) || errors.Is(err, domain.ErrBalanceOverflow) {
			return eventbus.Permanent(err)
		}
		return err
	}
}
