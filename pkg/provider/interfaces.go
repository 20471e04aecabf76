package provider

import (
	"context"
	"errors"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/money"
)

// Common errors for provider operations
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrUnsupportedPair     = errors.New("unsupported currency pair")
	ErrNoFeeTiers          = errors.New("no fee tiers available")
)

// UTXO is an unspent Bitcoin output owned by a custody address.
type UTXO struct {
	TxID  string       `json:"txid"`
	Vout  uint32       `json:"vout"`
	Value money.Amount `json:"value"`
}

// SignRequest describes a payout to be signed by the key service.
// EVM payouts carry a nonce, Bitcoin payouts carry the UTXOs to spend.
type SignRequest struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Currency currency.Code  `json:"currency"`
	Value    money.Amount   `json:"value"`
	FeePrice money.Amount   `json:"fee_price"`
	Nonce    *uint64        `json:"nonce,omitempty"`
	UTXOs    []UTXO         `json:"utxos,omitempty"`
	Erc20Op  *chain.Erc20Op `json:"erc20_op,omitempty"`
}

// Signer is the key-signing and broadcast gateway. Broadcasts cannot be
// cancelled or undone once PostTransaction returns a hash.
type Signer interface {
	SignTransaction(ctx context.Context, req SignRequest) (rawTx string, err error)
	PostTransaction(ctx context.Context, code currency.Code, rawTx string) (hash string, err error)
	GetNonce(ctx context.Context, code currency.Code, address string) (uint64, error)
	GetUTXOs(ctx context.Context, address string) ([]UTXO, error)
}

// Quote is a priced conversion between two currencies.
type Quote struct {
	From      currency.Code `json:"from"`
	To        currency.Code `json:"to"`
	Rate      float64       `json:"rate"`
	Amount    money.Amount  `json:"amount"`
	Converted money.Amount  `json:"converted"`
	Timestamp time.Time     `json:"timestamp"`
}

// Confirmation is the exchange service's acknowledgement of an executed exchange.
type Confirmation struct {
	ExchangeID string       `json:"exchange_id"`
	Rate       float64      `json:"rate"`
	Converted  money.Amount `json:"converted"`
}

// ExchangeRate prices and executes conversions.
type ExchangeRate interface {
	Rate(ctx context.Context, from, to currency.Code, amount money.Amount) (*Quote, error)
	Exchange(ctx context.Context, exchangeID string, from, to currency.Code, amount money.Amount) (*Confirmation, error)
}

// FeeTier is one speed option of the fee estimator. Fee is the network
// fee of a single broadcast in the currency's fee currency.
type FeeTier struct {
	Fee money.Amount  `json:"fee"`
	ETA time.Duration `json:"eta"`
}

// FeeEstimator returns the fee table of a currency.
type FeeEstimator interface {
	Estimate(ctx context.Context, code currency.Code) ([]FeeTier, error)
}

// SelectTier returns the cheapest tier whose ETA is within target, or the
// fastest tier when none is.
func SelectTier(tiers []FeeTier, target time.Duration) (FeeTier, error) {
	if len(tiers) == 0 {
		return FeeTier{}, ErrNoFeeTiers
	}
	var (
		best    *FeeTier
		fastest = tiers[0]
	)
	for i := range tiers {
		t := tiers[i]
		if t.ETA < fastest.ETA {
			fastest = t
		}
		if t.ETA <= target && (best == nil || t.Fee.LessThan(best.Fee)) {
			best = &tiers[i]
		}
	}
	if best == nil {
		return fastest, nil
	}
	return *best, nil
}
