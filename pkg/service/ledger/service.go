// Package ledger executes transfer requests against the double-entry ledger.
//
// A request is classified into one of four shapes (internal, internal
// exchange, withdrawal, withdrawal exchange), priced, and written as a group
// of rows sharing one gid. Every row goes through CreateBaseTx, which checks
// the balance of each account the row decreases right before the insert in
// the same unit of work. Withdrawals broadcast on chain between two units of
// work that share the payer's locks; once a broadcast has succeeded the ledger
// rows for it are committed even when a later broadcast of the same request
// fails.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/amirasaad/cryptoledger/infra/metrics"
	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
)

const (
	DefaultFeeTarget      = 30 * time.Minute
	DefaultTransfersTopic = "ledger.transfers"
	DefaultCommitAttempts = 5
	DefaultCommitBackoff  = 50 * time.Millisecond
)

// Options tune the service. Zero values fall back to the defaults.
type Options struct {
	FeeTarget      time.Duration
	TransfersTopic string
	// CommitAttempts bounds the retries of a withdrawal commit after broadcast.
	CommitAttempts int
	CommitBackoff  time.Duration
}

// Service provides transfer execution and the transfer view of ledger groups.
type Service struct {
	*Converter
	uow       repository.UnitOfWork
	signer    provider.Signer
	exchange  provider.ExchangeRate
	fees      provider.FeeEstimator
	publisher eventbus.Publisher
	addresses chain.AddressNormalizer
	logger    *slog.Logger
	opts      Options
}

// NewService creates a new Service with the provided dependencies.
func NewService(deps config.Deps, opts Options) *Service {
	if opts.FeeTarget <= 0 {
		opts.FeeTarget = DefaultFeeTarget
	}
	if opts.TransfersTopic == "" {
		opts.TransfersTopic = DefaultTransfersTopic
	}
	if opts.CommitAttempts <= 0 {
		opts.CommitAttempts = DefaultCommitAttempts
	}
	if opts.CommitBackoff <= 0 {
		opts.CommitBackoff = DefaultCommitBackoff
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Converter: NewConverter(deps.Uow),
		uow:       deps.Uow,
		signer:    deps.Signer,
		exchange:  deps.ExchangeRate,
		fees:      deps.FeeEstimator,
		publisher: deps.Publisher,
		addresses: deps.Addresses,
		logger:    logger.With("service", "ledger"),
		opts:      opts,
	}
}

// Transfer validates, classifies and executes a transfer request for userID
// and returns the resulting transfer.
func (s *Service) Transfer(ctx context.Context, userID uuid.UUID, req *transfer.Request) (*transfer.Transfer, error) {
	logger := s.logger.With("user_id", userID, "source", req.SourceAccountID)
	p, err := req.Parse()
	if err != nil {
		return nil, err
	}
	c, err := s.Classify(ctx, userID, p)
	if err != nil {
		logger.Info("transfer rejected", "error", err)
		return nil, err
	}
	logger = logger.With("shape", c.Shape, "currency", c.Currency, "value", c.Value.String())

	var gid uuid.UUID
	switch c.Shape {
	case transfer.ShapeInternal:
		gid, err = s.internal(ctx, c)
	case transfer.ShapeInternalExchange:
		gid, err = s.internalExchange(ctx, c)
	default:
		gid, err = s.withdraw(ctx, c)
	}
	if err != nil {
		metrics.TransfersTotal.WithLabelValues(string(c.Shape), metrics.OutcomeError).Inc()
		level := slog.LevelWarn
		if isInternal(err) {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "transfer failed", "error", err)
		return nil, err
	}

	t, err := s.Convert(ctx, gid)
	if err != nil {
		logger.Error("transfer committed but cannot be converted", "gid", gid, "error", err)
		return nil, domain.Internal("convert", err)
	}
	outcome := metrics.OutcomeOK
	if t.Partial {
		outcome = metrics.OutcomePartial
	}
	metrics.TransfersTotal.WithLabelValues(string(c.Shape), outcome).Inc()
	logger.Info("transfer executed", "gid", gid, "partial", t.Partial)

	if !c.Shape.IsWithdrawal() {
		s.publish(ctx, t)
	}
	return t, nil
}

func (s *Service) internal(ctx context.Context, c *transfer.Classification) (gid uuid.UUID, err error) {
	err = s.uow.Do(ctx, func(uow repository.UnitOfWork) error {
		gid, err = buildInternal(ctx, uow, c)
		return err
	}, repository.WithLocks(accountLock(c.Source.ID)))
	return gid, err
}

// internalExchange confirms the exchange before any row is written, so an
// exchange failure leaves the ledger untouched.
func (s *Service) internalExchange(ctx context.Context, c *transfer.Classification) (uuid.UUID, error) {
	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return uuid.Nil, err
	}
	liqFrom, err := accounts.FindSystem(ctx, account.PurposeLiquidity, c.Source.Currency, account.KindCr)
	if err != nil {
		return uuid.Nil, err
	}
	liqTo, err := accounts.FindSystem(ctx, account.PurposeLiquidity, c.Recipient.Currency, account.KindCr)
	if err != nil {
		return uuid.Nil, err
	}
	if err := ensureCovers(ctx, accounts, c.Source, c.Value); err != nil {
		return uuid.Nil, err
	}
	conf, err := s.exchange.Exchange(ctx, c.Exchange.ID, c.Source.Currency, c.Recipient.Currency, c.Value)
	if err != nil {
		return uuid.Nil, domain.Internal("exchange", err)
	}

	var gid uuid.UUID
	err = s.uow.Do(ctx, func(uow repository.UnitOfWork) error {
		gid, err = buildInternalExchange(ctx, uow, c, exchangeLegs{
			from:       liqFrom,
			to:         liqTo,
			converted:  conf.Converted,
			exchangeID: conf.ExchangeID,
			rate:       conf.Rate,
		})
		return err
	}, repository.WithSerializable(), repository.WithLocks(accountLock(c.Source.ID), accountLock(liqTo.ID)))
	return gid, err
}

// publish announces an internal transfer. Failures are logged only.
func (s *Service) publish(ctx context.Context, t *transfer.Transfer) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		s.logger.Error("encoding transfer notification failed", "gid", t.GID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, s.opts.TransfersTopic, t.GID.String(), payload); err != nil {
		s.logger.Warn("publishing transfer notification failed", "gid", t.GID, "error", err)
	}
}

func isInternal(err error) bool {
	return errors.Is(err, domain.ErrInternal) || errors.Is(err, domain.ErrBalanceOverflow) ||
		!(errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) ||
			errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrConflict))
}
