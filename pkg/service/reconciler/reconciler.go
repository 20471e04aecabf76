// Package reconciler applies inbound blockchain events to the ledger.
//
// Every event runs in one serializable unit of work keyed on its hash and
// currency. An event is applied at most once: the (hash, currency) seen mark
// is written in the same unit of work as its effects. Events that break a
// ledger invariant are set aside as strange transactions and marked seen, so
// the consumer keeps making progress.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amirasaad/cryptoledger/infra/metrics"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/confirmation"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/amirasaad/cryptoledger/pkg/service/ledger"
	"github.com/google/uuid"
)

// DefaultOrphanGrace is how long a broadcast may go without its ledger rows
// before its chain event is quarantined.
const DefaultOrphanGrace = 10 * time.Minute

// ErrNotLedgered is returned for an event of our own broadcast whose ledger
// rows are not committed yet. Redelivery resolves it.
var ErrNotLedgered = errors.New("broadcast not ledgered yet")

// Processing paths.
const (
	PathReplay     = "replay"
	PathApproval   = "approval"
	PathWithdrawal = "withdrawal"
	PathDeposit    = "deposit"
)

// Approver schedules an ERC20 approval payout for a custody account.
type Approver interface {
	Schedule(ctx context.Context, accountID uuid.UUID, delay time.Duration) error
}

// Options tune the reconciler.
type Options struct {
	// ApprovalThreshold is the custody balance, in token units, from which an
	// unapproved ERC20 custody account gets an allowance. Zero disables it.
	ApprovalThreshold money.Amount
	ApprovalDelay     time.Duration
	// OrphanGrace defaults to DefaultOrphanGrace.
	OrphanGrace time.Duration
}

// Result tells what Process did with an event.
type Result struct {
	Path    string
	Outcome string
	// Reason is set for quarantined events.
	Reason string
	// Approvals lists custody accounts that crossed the approval threshold.
	Approvals []uuid.UUID
}

// Reconciler applies chain events.
type Reconciler struct {
	uow       repository.UnitOfWork
	addresses chain.AddressNormalizer
	policy    *confirmation.Policy
	approver  Approver
	logger    *slog.Logger
	opts      Options
}

// New creates a Reconciler. approver may be nil.
func New(
	uow repository.UnitOfWork,
	addresses chain.AddressNormalizer,
	policy *confirmation.Policy,
	approver Approver,
	logger *slog.Logger,
	opts Options,
) *Reconciler {
	if policy == nil {
		policy = confirmation.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = DefaultOrphanGrace
	}
	return &Reconciler{
		uow:       uow,
		addresses: addresses,
		policy:    policy,
		approver:  approver,
		logger:    logger.With("service", "reconciler"),
		opts:      opts,
	}
}

// Process applies ev. Malformed events fail with domain.ErrMalformedInput and
// arithmetic overflow with domain.ErrBalanceOverflow; neither gets better on
// redelivery. Invariant violations are not errors.
func (r *Reconciler) Process(ctx context.Context, ev *chain.Event) (Result, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	return r.process(ctx, ev, raw)
}

func (r *Reconciler) process(ctx context.Context, ev *chain.Event, raw []byte) (Result, error) {
	start := time.Now()
	n, err := ev.Normalize(r.addresses)
	if err != nil {
		r.logger.Warn("rejecting chain event", "hash", ev.Hash, "currency", ev.Currency, "error", err)
		return Result{}, err
	}
	logger := r.logger.With("hash", n.Hash, "currency", n.Currency)

	var res Result
	err = r.uow.Do(ctx, func(uow repository.UnitOfWork) error {
		var err error
		res, err = r.apply(ctx, uow, n, raw)
		return err
	}, repository.WithSerializable(), repository.WithLocks(eventLock(n)))

	metrics.ReconcileDuration.WithLabelValues(string(n.Currency)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconciledTotal.WithLabelValues(string(n.Currency), res.Path, metrics.OutcomeError).Inc()
		logger.Error("reconciling chain event failed", "path", res.Path, "error", err)
		return res, err
	}
	metrics.ReconciledTotal.WithLabelValues(string(n.Currency), res.Path, res.Outcome).Inc()

	switch res.Outcome {
	case metrics.OutcomeQuarantined:
		metrics.QuarantinedTotal.WithLabelValues(string(n.Currency)).Inc()
		logger.Warn("chain event quarantined, operator review required", "path", res.Path, "reason", res.Reason)
	case metrics.OutcomeDeferred:
		logger.Info("chain event awaits confirmations", "confirmations", n.Confirmations,
			"required", r.policy.Required(n.Currency, eventValue(n)))
	case metrics.OutcomeDuplicate:
		logger.Debug("chain event already processed")
	default:
		logger.Info("chain event reconciled", "path", res.Path, "outcome", res.Outcome)
	}

	r.scheduleApprovals(ctx, res.Approvals)
	return res, nil
}

// apply runs the state machine inside the unit of work.
func (r *Reconciler) apply(ctx context.Context, uow repository.UnitOfWork, n *chain.Normalized, raw []byte) (Result, error) {
	chains, err := uow.ChainRepository()
	if err != nil {
		return Result{}, err
	}
	seen, err := chains.IsSeen(ctx, n.Hash, n.Currency)
	if err != nil {
		return Result{Path: PathReplay}, err
	}
	if seen {
		return Result{Path: PathReplay, Outcome: metrics.OutcomeDuplicate}, nil
	}
	if n.IsApproval() {
		return r.approval(ctx, uow, n, raw)
	}

	txs, err := uow.TransactionRepository()
	if err != nil {
		return Result{}, err
	}
	tx, err := txs.FindByBlockchainTxID(ctx, n.Hash)
	switch {
	case err == nil:
		return r.completion(ctx, uow, n, tx, raw)
	case errors.Is(err, domain.ErrNotFound):
		return r.unmatched(ctx, uow, n, raw)
	default:
		return Result{}, err
	}
}

// unmatched handles a hash no ledger row carries. A pending record means we
// broadcast it ourselves and the withdrawal commit is still running or has
// failed, so only hashes without one are deposits.
func (r *Reconciler) unmatched(ctx context.Context, uow repository.UnitOfWork, n *chain.Normalized, raw []byte) (Result, error) {
	chains, err := uow.ChainRepository()
	if err != nil {
		return Result{}, err
	}
	p, err := chains.GetPending(ctx, n.Hash)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return r.deposit(ctx, uow, n, raw)
	case err != nil:
		return Result{Path: PathWithdrawal}, err
	}
	res := Result{Path: PathWithdrawal}
	if time.Since(p.CreatedAt) < r.opts.OrphanGrace {
		return res, fmt.Errorf("%w: %s", ErrNotLedgered, n.Hash)
	}
	return r.quarantine(ctx, uow, n, raw, res, "broadcast recorded but no ledger row")
}

// approval flags the custody account an approve call was sent from.
// Approvals never produce ledger rows.
func (r *Reconciler) approval(ctx context.Context, uow repository.UnitOfWork, n *chain.Normalized, raw []byte) (Result, error) {
	res := Result{Path: PathApproval, Outcome: metrics.OutcomeOK}
	accounts, err := uow.AccountRepository()
	if err != nil {
		return res, err
	}
	if len(n.From) != 1 {
		return r.quarantine(ctx, uow, n, raw, res, fmt.Sprintf("approval with %d inputs", len(n.From)))
	}
	custody, err := findCustody(ctx, accounts, n.From[0].Address, n)
	if err != nil {
		return res, err
	}
	if custody == nil {
		return r.quarantine(ctx, uow, n, raw, res, "approval sent from an address we do not custody")
	}

	chains, err := uow.ChainRepository()
	if err != nil {
		return res, err
	}
	if custody.ERC20Approved {
		res.Outcome = metrics.OutcomeIgnored
	} else if err := accounts.SetERC20Approved(ctx, custody.ID); err != nil {
		return res, err
	}
	if err := chains.SaveBlockchainTransaction(ctx, transaction.NewBlockchainTransaction(n)); err != nil {
		return res, err
	}
	if err := deletePending(ctx, chains, n.Hash); err != nil {
		return res, err
	}
	return res, chains.MarkSeen(ctx, n.Hash, n.Currency)
}

// completion settles a withdrawal payout we broadcast earlier.
func (r *Reconciler) completion(
	ctx context.Context,
	uow repository.UnitOfWork,
	n *chain.Normalized,
	tx *transaction.Transaction,
	raw []byte,
) (Result, error) {
	res := Result{Path: PathWithdrawal, Outcome: metrics.OutcomeOK}
	if !r.policy.Satisfied(n.Currency, eventValue(n), n.Confirmations) {
		res.Outcome = metrics.OutcomeDeferred
		return res, nil
	}

	custody, reason, err := checkWithdrawal(ctx, uow, n, tx)
	if err != nil {
		return res, err
	}
	if reason != "" {
		return r.quarantine(ctx, uow, n, raw, res, reason)
	}

	chains, err := uow.ChainRepository()
	if err != nil {
		return res, err
	}
	txs, err := uow.TransactionRepository()
	if err != nil {
		return res, err
	}
	if err := chains.SaveBlockchainTransaction(ctx, transaction.NewBlockchainTransaction(n)); err != nil {
		return res, err
	}
	if err := chains.DeletePending(ctx, n.Hash); err != nil {
		return res, err
	}
	if err := txs.MarkDone(ctx, tx.ID); err != nil {
		return res, err
	}
	if !n.Fee.IsZero() {
		err := r.chargeNetworkFee(ctx, uow, n, tx, custody)
		if errors.Is(err, account.ErrInsufficientFunds) {
			// the payout settles, only the fee booking waits for an operator
			return r.quarantine(ctx, uow, n, raw, res, fmt.Sprintf("network fee %s exceeds the custody balance: %v", n.Fee, err))
		}
		if err != nil {
			return res, err
		}
	}
	return res, chains.MarkSeen(ctx, n.Hash, n.Currency)
}

// deposit ledgers every output paying one of our custody addresses.
func (r *Reconciler) deposit(ctx context.Context, uow repository.UnitOfWork, n *chain.Normalized, raw []byte) (Result, error) {
	res := Result{Path: PathDeposit, Outcome: metrics.OutcomeOK}
	accounts, err := uow.AccountRepository()
	if err != nil {
		return res, err
	}
	chains, err := uow.ChainRepository()
	if err != nil {
		return res, err
	}

	credits, err := matchDeposits(ctx, accounts, n)
	if err != nil {
		return res, err
	}
	if len(credits) == 0 {
		res.Outcome = metrics.OutcomeIgnored
		return res, chains.MarkSeen(ctx, n.Hash, n.Currency)
	}
	if reason, err := checkDeposit(ctx, accounts, n, credits); err != nil || reason != "" {
		if err != nil {
			return res, err
		}
		return r.quarantine(ctx, uow, n, raw, res, reason)
	}

	hash := n.Hash
	for _, c := range credits {
		row := transaction.New(transaction.Draft{
			GID:            uuid.New(),
			UserID:         c.custody.UserID,
			DrAccountID:    c.custody.ID,
			CrAccountID:    c.credit.ID,
			Currency:       n.Currency,
			Value:          c.value,
			Kind:           transaction.KindDeposit,
			GroupKind:      transaction.GroupDeposit,
			BlockchainTxID: &hash,
		})
		if err := ledger.CreateBaseTx(ctx, uow, row, c.custody, c.credit); err != nil {
			return res, err
		}
	}
	if err := chains.SaveBlockchainTransaction(ctx, transaction.NewBlockchainTransaction(n)); err != nil {
		return res, err
	}
	if res.Approvals, err = r.approvalCandidates(ctx, accounts, n, credits); err != nil {
		return res, err
	}
	return res, chains.MarkSeen(ctx, n.Hash, n.Currency)
}

// chargeNetworkFee books the fee the chain took from the custody account
// against the system fees account. It fails with account.ErrInsufficientFunds
// when the custody balance does not cover the fee.
func (r *Reconciler) chargeNetworkFee(
	ctx context.Context,
	uow repository.UnitOfWork,
	n *chain.Normalized,
	payout *transaction.Transaction,
	custody *account.Account,
) error {
	accounts, err := uow.AccountRepository()
	if err != nil {
		return err
	}
	fees, err := accounts.FindSystem(ctx, account.PurposeFees, n.Currency, account.KindDr)
	if err != nil {
		return err
	}
	related := payout.ID
	row := transaction.New(transaction.Draft{
		GID:         payout.GID,
		UserID:      payout.UserID,
		DrAccountID: fees.ID,
		CrAccountID: custody.ID,
		Currency:    n.Currency,
		Value:       n.Fee,
		Kind:        transaction.KindBlockchainFee,
		GroupKind:   payout.GroupKind,
		RelatedTx:   &related,
		Metadata:    map[string]any{"hash": n.Hash},
	})
	return ledger.CreateBaseTx(ctx, uow, row, fees, custody)
}

// approvalCandidates returns the unapproved ERC20 custody accounts whose
// balance reached the threshold with this deposit.
func (r *Reconciler) approvalCandidates(
	ctx context.Context,
	accounts repository.AccountRepository,
	n *chain.Normalized,
	credits []credit,
) ([]uuid.UUID, error) {
	if !n.Currency.IsERC20() || r.approver == nil || r.opts.ApprovalThreshold.IsZero() {
		return nil, nil
	}
	var out []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, c := range credits {
		if c.custody.ERC20Approved || seen[c.custody.ID] {
			continue
		}
		seen[c.custody.ID] = true
		f, err := accounts.Balance(ctx, c.custody)
		if err != nil {
			return nil, err
		}
		if !f.Balance.LessThan(r.opts.ApprovalThreshold) {
			out = append(out, c.custody.ID)
		}
	}
	return out, nil
}

// scheduleApprovals runs after commit. Failures are logged only.
func (r *Reconciler) scheduleApprovals(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		if err := r.approver.Schedule(ctx, id, r.opts.ApprovalDelay); err != nil {
			metrics.ApprovalsTotal.WithLabelValues(metrics.OutcomeError).Inc()
			r.logger.Warn("scheduling erc20 approval failed", "account_id", id, "error", err)
			continue
		}
		r.logger.Info("erc20 approval scheduled", "account_id", id, "delay", r.opts.ApprovalDelay)
	}
}

// quarantine sets the event aside and marks it seen in the same unit of work.
func (r *Reconciler) quarantine(
	ctx context.Context,
	uow repository.UnitOfWork,
	n *chain.Normalized,
	raw []byte,
	res Result,
	reason string,
) (Result, error) {
	res.Outcome = metrics.OutcomeQuarantined
	res.Reason = reason
	res.Approvals = nil
	chains, err := uow.ChainRepository()
	if err != nil {
		return res, err
	}
	if err := chains.SaveStrange(ctx, &transaction.StrangeTransaction{
		Hash:      n.Hash,
		Currency:  n.Currency,
		Payload:   raw,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return res, err
	}
	return res, chains.MarkSeen(ctx, n.Hash, n.Currency)
}

func deletePending(ctx context.Context, chains repository.ChainRepository, hash string) error {
	err := chains.DeletePending(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// eventValue is the value the confirmation policy prices.
func eventValue(n *chain.Normalized) money.Amount {
	if n.Value.IsZero() {
		return n.ToTotal
	}
	return n.Value
}

func eventLock(n *chain.Normalized) string {
	return fmt.Sprintf("chain:%s:%s", n.Currency, n.Hash)
}
