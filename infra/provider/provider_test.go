package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	infraprovider "github.com/amirasaad/cryptoledger/infra/provider"
	"github.com/amirasaad/cryptoledger/internal/fixtures/mocks"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/amirasaad/cryptoledger/pkg/provider/exchange"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSigner_SignAndPost(t *testing.T) {
	var got provider.SignRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/sign":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"raw_tx":"0xf86c"}`))
		case "/v1/broadcast":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ETH", body["currency"])
			assert.Equal(t, "0xf86c", body["raw_tx"])
			_, _ = w.Write([]byte(`{"hash":" 0xABC "}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := infraprovider.NewSigner(&config.Signer{URL: srv.URL, APIKey: "secret", Timeout: time.Second}, nil, discard)
	nonce := uint64(3)
	raw, err := s.SignTransaction(context.Background(), provider.SignRequest{
		From:     "0xfrom",
		To:       "0xto",
		Currency: currency.ETH,
		Value:    money.MustParse("1000000000000000000"),
		FeePrice: money.New(21000),
		Nonce:    &nonce,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xf86c", raw)
	assert.Equal(t, "1000000000000000000", got.Value.String())
	require.NotNil(t, got.Nonce)
	assert.Equal(t, uint64(3), *got.Nonce)

	hash, err := s.PostTransaction(context.Background(), currency.ETH, raw)
	require.NoError(t, err)
	assert.Equal(t, "0xABC", hash)
}

func TestSigner_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/sign":
			http.Error(w, "key locked", http.StatusServiceUnavailable)
		case "/v1/broadcast":
			http.Error(w, "nonce too low", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	s := infraprovider.NewSigner(&config.Signer{URL: srv.URL, Timeout: time.Second}, nil, discard)
	_, err := s.SignTransaction(context.Background(), provider.SignRequest{Currency: currency.BTC})
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)

	_, err = s.PostTransaction(context.Background(), currency.BTC, "raw")
	require.Error(t, err)
	assert.NotErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.ErrorContains(t, err, "nonce too low")
}

type nonceSource struct{ got common.Address }

func (n *nonceSource) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	n.got = a
	return 42, nil
}

func TestSigner_Nonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/nonce", r.URL.Path)
		assert.Equal(t, "USDT", r.URL.Query().Get("currency"))
		_, _ = w.Write([]byte(`{"nonce":7}`))
	}))
	defer srv.Close()
	cfg := &config.Signer{URL: srv.URL, Timeout: time.Second}
	addr := "0x52908400098527886E0F7030069857D2E4169EE7"

	n, err := infraprovider.NewSigner(cfg, nil, discard).GetNonce(context.Background(), currency.USDT, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)

	node := &nonceSource{}
	n, err = infraprovider.NewSigner(cfg, node, discard).GetNonce(context.Background(), currency.ETH, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, addr, node.got.Hex())

	_, err = infraprovider.NewSigner(cfg, node, discard).GetNonce(context.Background(), currency.BTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	assert.ErrorIs(t, err, currency.ErrUnsupported)
}

func TestSigner_UTXOs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"txid":"aa","vout":1,"value":"5000"}]`))
	}))
	defer srv.Close()

	utxos, err := infraprovider.NewSigner(&config.Signer{URL: srv.URL}, nil, discard).
		GetUTXOs(context.Background(), "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, "5000", utxos[0].Value.String())
}

func TestExchangeRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/rates":
			assert.Equal(t, "ETH", r.URL.Query().Get("from"))
			_, _ = w.Write([]byte(`{"rate":2000}`))
		case "/v1/exchanges":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ex-1", body["exchange_id"])
			_, _ = w.Write([]byte(`{"rate":2000,"converted":"2000000000"}`))
		}
	}))
	defer srv.Close()
	e := infraprovider.NewExchangeRate(&config.ExchangeRate{URL: srv.URL, Timeout: time.Second}, discard)

	// 1 ETH at 2000 USDT per ETH
	q, err := e.Rate(context.Background(), currency.ETH, currency.USDT, money.MustParse("1000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, "2000000000", q.Converted.String())

	same, err := e.Rate(context.Background(), currency.BTC, currency.BTC, money.New(5))
	require.NoError(t, err)
	assert.Equal(t, "5", same.Converted.String())

	conf, err := e.Exchange(context.Background(), "ex-1", currency.ETH, currency.USDT, money.MustParse("1000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, "ex-1", conf.ExchangeID)
	assert.Equal(t, "2000000000", conf.Converted.String())
}

func TestFeeEstimator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/fees/BTC":
			_, _ = w.Write([]byte(`{"tiers":[{"fee":"500","eta_seconds":3600},{"fee":"2000","eta_seconds":600}]}`))
		default:
			_, _ = w.Write([]byte(`{"tiers":[]}`))
		}
	}))
	defer srv.Close()
	f := infraprovider.NewFeeEstimator(&config.Fee{URL: srv.URL, Timeout: time.Second}, discard)

	tiers, err := f.Estimate(context.Background(), currency.BTC)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, 10*time.Minute, tiers[0].ETA)
	assert.Equal(t, "2000", tiers[0].Fee.String())

	_, err = f.Estimate(context.Background(), currency.ETH)
	assert.ErrorIs(t, err, provider.ErrNoFeeTiers)
}

func TestCachedExchangeRate(t *testing.T) {
	ctx := context.Background()
	next := mocks.NewExchangeRate(t)
	cached := infraprovider.NewCachedExchangeRate(next, exchange.NewCache(time.Minute), discard)

	next.On("Rate", mock.Anything, currency.ETH, currency.USDT, money.New(1_000_000_000_000)).
		Return(&provider.Quote{From: currency.ETH, To: currency.USDT, Rate: 2000, Amount: money.New(1_000_000_000_000), Converted: money.New(2000)}, nil).
		Once()

	q, err := cached.Rate(ctx, currency.ETH, currency.USDT, money.New(1_000_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "2000", q.Converted.String())

	// served from cache and repriced for the new amount
	q, err = cached.Rate(ctx, currency.ETH, currency.USDT, money.New(2_000_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "4000", q.Converted.String())

	next.On("Exchange", mock.Anything, "ex", currency.ETH, currency.USDT, money.New(1)).
		Return(nil, errors.New("rejected")).Twice()
	_, err = cached.Exchange(ctx, "ex", currency.ETH, currency.USDT, money.New(1))
	assert.Error(t, err)
	_, err = cached.Exchange(ctx, "ex", currency.ETH, currency.USDT, money.New(1))
	assert.Error(t, err)
}

// slowRate counts upstream calls and blocks until released.
type slowRate struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowRate) Rate(_ context.Context, from, to currency.Code, amount money.Amount) (*provider.Quote, error) {
	s.calls.Add(1)
	<-s.release
	return &provider.Quote{From: from, To: to, Rate: 0.5, Amount: amount, Converted: amount}, nil
}

func (s *slowRate) Exchange(context.Context, string, currency.Code, currency.Code, money.Amount) (*provider.Confirmation, error) {
	return nil, errors.New("not used")
}

func TestCachedExchangeRate_CoalescesMisses(t *testing.T) {
	upstream := &slowRate{release: make(chan struct{})}
	cached := infraprovider.NewCachedExchangeRate(upstream, exchange.NewCache(time.Minute), discard)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.Rate(context.Background(), currency.BTC, currency.ETH, money.New(100))
			assert.NoError(t, err)
		}()
	}
	assert.Eventually(t, func() bool { return upstream.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(upstream.release)
	wg.Wait()
	assert.LessOrEqual(t, upstream.calls.Load(), int32(2))
}

func TestRedisRateCache(t *testing.T) {
	ctx := context.Background()
	client, rmock := redismock.NewClientMock()
	c := infraprovider.NewRedisRateCache(client, "exr:rate:", time.Minute, discard)
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rate := &exchange.Rate{From: currency.ETH, To: currency.USDT, Rate: 2000, Timestamp: ts}
	data, err := json.Marshal(rate)
	require.NoError(t, err)

	rmock.ExpectGet("exr:rate:ETH_USDT").RedisNil()
	rmock.ExpectSet("exr:rate:ETH_USDT", data, time.Minute).SetVal("OK")
	rmock.ExpectGet("exr:rate:ETH_USDT").SetVal(string(data))

	miss, err := c.GetRate(ctx, currency.ETH, currency.USDT)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, c.StoreRate(ctx, rate))

	hit, err := c.GetRate(ctx, currency.ETH, currency.USDT)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.InDelta(t, 2000, hit.Rate, 0.0001)
	assert.True(t, ts.Equal(hit.Timestamp))

	assert.NoError(t, rmock.ExpectationsWereMet())
}
