// Package app builds the ledger services and connects them to the event bus.
package app

import (
	"fmt"
)

// setupEventBus subscribes the reconciler to the queue of every tracked
// currency. Queue names are the currency codes; the transport adds its own
// prefix.
func (a *App) setupEventBus() error {
	if a.Deps.Subscriber == nil {
		return nil
	}
	codes, err := a.Config.Chain.Tracked()
	if err != nil {
		return fmt.Errorf("tracked currencies: %w", err)
	}
	h := a.Reconciler.Handler()
	for _, code := range codes {
		a.Deps.Subscriber.Subscribe(code.String(), h)
		a.logger.Info("Subscribed to chain events", "currency", code)
	}
	return nil
}
