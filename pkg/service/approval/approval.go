// Package approval grants the hot wallet an ERC20 allowance over custody
// addresses, so token payouts can be made from them later.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amirasaad/cryptoledger/infra/metrics"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
)

// ErrNotApprovable is returned for accounts that cannot hold an allowance.
var ErrNotApprovable = errors.New("account cannot be approved")

// JobFunc handles one due approval.
type JobFunc func(ctx context.Context, accountID uuid.UUID) error

// Scheduler is a delayed queue of approval jobs.
type Scheduler interface {
	// Schedule enqueues accountID to run after delay. Scheduling an account
	// that is already queued moves its due time.
	Schedule(ctx context.Context, accountID uuid.UUID, delay time.Duration) error
	// Run calls fn for every due job until ctx is done. A job whose fn fails
	// is retried later.
	Run(ctx context.Context, fn JobFunc) error
}

// Options configure the approve call.
type Options struct {
	Allowance money.Amount
	// Spender is the hot wallet address the allowance is granted to.
	Spender   string
	FeeTarget time.Duration
}

// Service signs and posts approve calls.
type Service struct {
	uow    repository.UnitOfWork
	signer provider.Signer
	fees   provider.FeeEstimator
	logger *slog.Logger
	opts   Options
}

// NewService creates a new approval Service.
func NewService(
	uow repository.UnitOfWork,
	signer provider.Signer,
	fees provider.FeeEstimator,
	logger *slog.Logger,
	opts Options,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FeeTarget <= 0 {
		opts.FeeTarget = 30 * time.Minute
	}
	return &Service{
		uow:    uow,
		signer: signer,
		fees:   fees,
		logger: logger.With("service", "approval"),
		opts:   opts,
	}
}

// Approve posts an approve call from the custody account accountID and
// records it as pending until the reconciler sees it on chain. It returns
// the chain hash, or "" when the account is already approved.
func (s *Service) Approve(ctx context.Context, accountID uuid.UUID) (string, error) {
	logger := s.logger.With("account_id", accountID)
	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return "", err
	}
	acc, err := accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acc.Kind != account.KindDr || !acc.Currency.IsERC20() {
		return "", fmt.Errorf("%w: %s %s account", ErrNotApprovable, acc.Currency, acc.Kind)
	}
	if acc.ERC20Approved {
		metrics.ApprovalsTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		logger.Debug("account already approved")
		return "", nil
	}
	if s.opts.Spender == "" {
		return "", domain.Internal("approve", errors.New("no spender configured"))
	}

	tiers, err := s.fees.Estimate(ctx, acc.Currency)
	if err != nil {
		return "", domain.Internal("fee estimate", err)
	}
	tier, err := provider.SelectTier(tiers, s.opts.FeeTarget)
	if err != nil {
		return "", domain.Internal("fee tier", err)
	}
	nonce, err := s.signer.GetNonce(ctx, acc.Currency, acc.Address)
	if err != nil {
		return "", domain.Internal("nonce", err)
	}
	op := chain.Erc20Approve
	raw, err := s.signer.SignTransaction(ctx, provider.SignRequest{
		From:     acc.Address,
		To:       s.opts.Spender,
		Currency: acc.Currency,
		Value:    s.opts.Allowance,
		FeePrice: tier.Fee,
		Nonce:    &nonce,
		Erc20Op:  &op,
	})
	if err != nil {
		metrics.ApprovalsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return "", domain.Internal("sign approve", err)
	}
	hash, err := s.signer.PostTransaction(ctx, acc.Currency, raw)
	if err != nil {
		metrics.ApprovalsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return "", domain.Internal("post approve", err)
	}
	hash = strings.ToLower(strings.TrimSpace(hash))

	chains, err := s.uow.ChainRepository()
	if err != nil {
		return hash, err
	}
	if err := chains.CreatePending(context.WithoutCancel(ctx), &transaction.PendingBlockchainTransaction{
		Hash:      hash,
		From:      acc.Address,
		To:        s.opts.Spender,
		Currency:  acc.Currency,
		Value:     s.opts.Allowance,
		Fee:       tier.Fee,
		Erc20Op:   &op,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		// the approval is on its way; the reconciler still flags the account
		logger.Error("recording pending approval failed", "hash", hash, "error", err)
	}
	metrics.ApprovalsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
	logger.Info("erc20 approval posted", "hash", hash, "spender", s.opts.Spender)
	return hash, nil
}

// Run executes scheduled approvals until ctx is done.
func (s *Service) Run(ctx context.Context, scheduler Scheduler) error {
	return scheduler.Run(ctx, func(ctx context.Context, accountID uuid.UUID) error {
		_, err := s.Approve(ctx, accountID)
		if errors.Is(err, ErrNotApprovable) || errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("dropping approval job", "account_id", accountID, "error", err)
			return nil
		}
		return err
	})
}
