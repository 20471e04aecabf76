package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amirasaad/cryptoledger/pkg/config"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/confirmation"
	"github.com/amirasaad/cryptoledger/pkg/eventbus"
	accountsvc "github.com/amirasaad/cryptoledger/pkg/service/account"
	"github.com/amirasaad/cryptoledger/pkg/service/approval"
	"github.com/amirasaad/cryptoledger/pkg/service/ledger"
	"github.com/amirasaad/cryptoledger/pkg/service/reconciler"
	"golang.org/x/sync/errgroup"
)

// Deps extends the service dependencies with the long-running
// infrastructure the app drives.
type Deps struct {
	config.Deps
	Subscriber eventbus.Subscriber
	Scheduler  approval.Scheduler
	// Closers run in reverse order on Close.
	Closers []func() error
}

type App struct {
	Deps            *Deps
	Config          *config.App
	LedgerService   *ledger.Service
	AccountService  *accountsvc.Service
	ApprovalService *approval.Service
	Reconciler      *reconciler.Reconciler
	logger          *slog.Logger
}

// New builds the services on top of deps and subscribes the reconciler to
// the inbound chain event queues.
func New(deps *Deps, cfg *config.App) (*App, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
		deps.Logger = logger
	}
	deps.Config = cfg

	threshold, allowance, err := cfg.Approval.Amounts()
	if err != nil {
		return nil, err
	}

	app := &App{
		Deps:   deps,
		Config: cfg,
		logger: logger,
	}
	app.LedgerService = ledger.NewService(deps.Deps, ledger.Options{
		FeeTarget:      cfg.Fee.TargetETA,
		TransfersTopic: cfg.Bus.TransfersTopic,
	})
	app.AccountService = accountsvc.NewService(deps.Deps)
	app.ApprovalService = approval.NewService(deps.Uow, deps.Signer, deps.FeeEstimator, logger, approval.Options{
		Allowance: allowance,
		Spender:   cfg.Approval.Spender,
		FeeTarget: cfg.Fee.TargetETA,
	})

	var approver reconciler.Approver
	if deps.Scheduler != nil {
		approver = deps.Scheduler
	}
	app.Reconciler = reconciler.New(deps.Uow, deps.Addresses, confirmation.Default(), approver, logger, reconciler.Options{
		ApprovalThreshold: threshold,
		ApprovalDelay:     cfg.Approval.Delay,
	})

	if err := app.setupEventBus(); err != nil {
		return nil, err
	}
	return app, nil
}

// Bootstrap creates the liquidity and fee accounts of every configured
// currency. It is safe to call on every start.
func (a *App) Bootstrap(ctx context.Context) error {
	owner, err := a.Config.Ledger.SystemUser()
	if err != nil {
		return fmt.Errorf("system user: %w", err)
	}
	for purpose, raw := range map[account.Purpose]map[string]string{
		account.PurposeLiquidity: a.Config.Ledger.LiquidityAddresses,
		account.PurposeFees:      a.Config.Ledger.FeeAddresses,
	} {
		addrs, err := parseAddresses(raw)
		if err != nil {
			return fmt.Errorf("%s addresses: %w", purpose, err)
		}
		if len(addrs) == 0 {
			a.logger.Warn("No system addresses configured", "purpose", purpose)
			continue
		}
		if err := a.AccountService.EnsureSystemAccounts(ctx, owner, purpose, addrs); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes chain events and runs due approvals until ctx is done or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.Deps.Subscriber != nil {
		g.Go(func() error { return a.Deps.Subscriber.Start(ctx) })
	}
	if a.Deps.Scheduler != nil {
		g.Go(func() error { return a.ApprovalService.Run(ctx, a.Deps.Scheduler) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the infrastructure in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.Deps.Closers) - 1; i >= 0; i-- {
		if err := a.Deps.Closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseAddresses(raw map[string]string) (map[currency.Code]string, error) {
	out := make(map[currency.Code]string, len(raw))
	for k, v := range raw {
		code, err := currency.Parse(k)
		if err != nil {
			return nil, err
		}
		out[code] = v
	}
	return out, nil
}
