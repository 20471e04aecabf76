package provider

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
)

// FeeEstimator reads fee tables from the fee service.
type FeeEstimator struct {
	*client
}

// NewFeeEstimator creates a fee service client.
func NewFeeEstimator(cfg *config.Fee, logger *slog.Logger) *FeeEstimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeEstimator{client: newClient(cfg.URL, "", cfg.Timeout, logger.With("provider", "fees"))}
}

var _ provider.FeeEstimator = (*FeeEstimator)(nil)

type feeTier struct {
	Fee        money.Amount `json:"fee"`
	ETASeconds int64        `json:"eta_seconds"`
}

type feeResponse struct {
	Tiers []feeTier `json:"tiers"`
}

// Estimate returns the tiers of code ordered fastest first.
func (f *FeeEstimator) Estimate(ctx context.Context, code currency.Code) ([]provider.FeeTier, error) {
	var resp feeResponse
	if err := f.do(ctx, http.MethodGet, "/v1/fees/"+code.String(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Tiers) == 0 {
		return nil, provider.ErrNoFeeTiers
	}
	tiers := make([]provider.FeeTier, 0, len(resp.Tiers))
	for _, t := range resp.Tiers {
		tiers = append(tiers, provider.FeeTier{Fee: t.Fee, ETA: time.Duration(t.ETASeconds) * time.Second})
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].ETA < tiers[j].ETA })
	return tiers, nil
}
