package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
)

// ExchangeRate is the exchange service client.
type ExchangeRate struct {
	*client
	now func() time.Time
}

// NewExchangeRate creates an exchange service client.
func NewExchangeRate(cfg *config.ExchangeRate, logger *slog.Logger) *ExchangeRate {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExchangeRate{
		client: newClient(cfg.URL, cfg.APIKey, cfg.Timeout, logger.With("provider", "exchange")),
		now:    time.Now,
	}
}

var _ provider.ExchangeRate = (*ExchangeRate)(nil)

type rateResponse struct {
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}

type exchangeRequest struct {
	ExchangeID string        `json:"exchange_id"`
	From       currency.Code `json:"from"`
	To         currency.Code `json:"to"`
	Amount     money.Amount  `json:"amount"`
}

// Rate quotes amount of from in to. The rate is units of to per unit of from.
func (e *ExchangeRate) Rate(ctx context.Context, from, to currency.Code, amount money.Amount) (*provider.Quote, error) {
	if from == to {
		return &provider.Quote{From: from, To: to, Rate: 1, Amount: amount, Converted: amount, Timestamp: e.now().UTC()}, nil
	}
	q := url.Values{"from": {from.String()}, "to": {to.String()}}
	var resp rateResponse
	if err := e.do(ctx, http.MethodGet, "/v1/rates?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Rate <= 0 {
		return nil, fmt.Errorf("%w: %s/%s", provider.ErrUnsupportedPair, from, to)
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = e.now().UTC()
	}
	return quote(from, to, amount, resp.Rate, resp.Timestamp)
}

// Exchange executes a quoted conversion.
func (e *ExchangeRate) Exchange(ctx context.Context, exchangeID string, from, to currency.Code, amount money.Amount) (*provider.Confirmation, error) {
	var conf provider.Confirmation
	if err := e.do(ctx, http.MethodPost, "/v1/exchanges", exchangeRequest{
		ExchangeID: exchangeID,
		From:       from,
		To:         to,
		Amount:     amount,
	}, &conf); err != nil {
		return nil, err
	}
	if conf.ExchangeID == "" {
		conf.ExchangeID = exchangeID
	}
	return &conf, nil
}

func quote(from, to currency.Code, amount money.Amount, rate float64, at time.Time) (*provider.Quote, error) {
	converted, err := money.Convert(amount, from, to, rate)
	if err != nil {
		return nil, err
	}
	return &provider.Quote{
		From:      from,
		To:        to,
		Rate:      rate,
		Amount:    amount,
		Converted: converted,
		Timestamp: at,
	}, nil
}
