package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/ethereum/go-ethereum/common"
)

// NonceSource returns the next nonce of an EVM address including pending
// transactions. *ethclient.Client satisfies it.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Signer talks to the signing gateway. Keys never leave the gateway: the
// ledger sends unsigned payout descriptions and gets raw transactions back.
type Signer struct {
	*client
	nonces NonceSource
}

// NewSigner creates a gateway client. When nonces is non-nil, EVM nonces are
// read from the node instead of the gateway.
func NewSigner(cfg *config.Signer, nonces NonceSource, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		client: newClient(cfg.URL, cfg.APIKey, cfg.Timeout, logger.With("provider", "signer")),
		nonces: nonces,
	}
}

var _ provider.Signer = (*Signer)(nil)

type signResponse struct {
	RawTx string `json:"raw_tx"`
}

type broadcastRequest struct {
	Currency currency.Code `json:"currency"`
	RawTx    string        `json:"raw_tx"`
}

type broadcastResponse struct {
	Hash string `json:"hash"`
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

func (s *Signer) SignTransaction(ctx context.Context, req provider.SignRequest) (string, error) {
	var resp signResponse
	if err := s.do(ctx, http.MethodPost, "/v1/sign", req, &resp); err != nil {
		return "", err
	}
	if resp.RawTx == "" {
		return "", errors.New("signer returned an empty transaction")
	}
	return resp.RawTx, nil
}

func (s *Signer) PostTransaction(ctx context.Context, code currency.Code, rawTx string) (string, error) {
	var resp broadcastResponse
	if err := s.do(ctx, http.MethodPost, "/v1/broadcast", broadcastRequest{Currency: code, RawTx: rawTx}, &resp); err != nil {
		return "", err
	}
	hash := strings.TrimSpace(resp.Hash)
	if hash == "" {
		return "", errors.New("broadcast returned no hash")
	}
	return hash, nil
}

func (s *Signer) GetNonce(ctx context.Context, code currency.Code, address string) (uint64, error) {
	if code.Family() != currency.FamilyEVM {
		return 0, fmt.Errorf("%w: %s has no nonce", currency.ErrUnsupported, code)
	}
	if s.nonces != nil {
		if !common.IsHexAddress(address) {
			return 0, fmt.Errorf("%w: %q", currency.ErrInvalidAddress, address)
		}
		n, err := s.nonces.PendingNonceAt(ctx, common.HexToAddress(address))
		if err != nil {
			return 0, fmt.Errorf("%w: pending nonce: %v", provider.ErrProviderUnavailable, err)
		}
		return n, nil
	}
	q := url.Values{"currency": {code.String()}, "address": {address}}
	var resp nonceResponse
	if err := s.do(ctx, http.MethodGet, "/v1/nonce?"+q.Encode(), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Nonce, nil
}

func (s *Signer) GetUTXOs(ctx context.Context, address string) ([]provider.UTXO, error) {
	q := url.Values{"address": {address}}
	var utxos []provider.UTXO
	if err := s.do(ctx, http.MethodGet, "/v1/utxos?"+q.Encode(), nil, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}
