package config

import (
	"log/slog"

	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/amirasaad/cryptoledger/pkg/repository"
)

// Deps holds all infrastructure dependencies for building the app and services.
type Deps struct {
	Uow          repository.UnitOfWork
	Signer       provider.Signer
	ExchangeRate provider.ExchangeRate
	FeeEstimator provider.FeeEstimator
	Publisher    eventbus.Publisher
	Addresses    chain.AddressNormalizer
	Logger       *slog.Logger
	Config       *App
}
