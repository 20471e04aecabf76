package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirasaad/cryptoledger/infra/metrics"
	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
)

// feeQuote is the network fee of a single broadcast.
type feeQuote struct {
	// price is handed to the signer, in the payout currency's fee currency.
	price money.Amount
	// reserve is kept back in every custody account, in the payout currency.
	reserve money.Amount
	// charge is billed to the user per broadcast, in the source currency.
	charge money.Amount
}

func (s *Service) quoteFee(ctx context.Context, payout, source currency.Code) (feeQuote, error) {
	tiers, err := s.fees.Estimate(ctx, payout)
	if err != nil {
		return feeQuote{}, domain.Internal("fee estimate", err)
	}
	tier, err := provider.SelectTier(tiers, s.opts.FeeTarget)
	if err != nil {
		return feeQuote{}, domain.Internal("fee tier", err)
	}
	q := feeQuote{price: tier.Fee}
	if q.reserve, err = s.convert(ctx, payout.FeeCurrency(), payout, tier.Fee); err != nil {
		return feeQuote{}, err
	}
	if q.charge, err = s.convert(ctx, payout.FeeCurrency(), source, tier.Fee); err != nil {
		return feeQuote{}, err
	}
	return q, nil
}

func (s *Service) convert(ctx context.Context, from, to currency.Code, amount money.Amount) (money.Amount, error) {
	if from == to || amount.IsZero() {
		return amount, nil
	}
	q, err := s.exchange.Rate(ctx, from, to, amount)
	if err != nil {
		return money.Zero, domain.Internal("fee conversion", err)
	}
	return q.Converted, nil
}

// sent is one allocation that made it onto the chain.
type sent struct {
	Allocation
	hash string
}

// payout is the on-chain part of a withdrawal, shared by both shapes.
type payout struct {
	// debit is the Cr account the payout rows are drawn from.
	debit *account.Account
	// owner owns the custody accounts the payout is sent from.
	owner    uuid.UUID
	currency currency.Code
	value    money.Amount
	to       string
	fee      feeQuote
	// purpose restricts the custody accounts used for the payout.
	purpose account.Purpose
}

// withdraw pays c out on chain. The account and spend locks of the paying
// owner stay held on one connection across three steps: custody funds are
// selected, the payouts are broadcast, and the rows are committed. Concurrent
// withdrawals therefore never pick the same account, and once a payout is on
// chain nothing can drain the accounts its rows are checked against.
func (s *Service) withdraw(ctx context.Context, c *transfer.Classification) (uuid.UUID, error) {
	fee, err := s.quoteFee(ctx, c.Currency, c.Source.Currency)
	if err != nil {
		return uuid.Nil, err
	}
	if c.Shape == transfer.ShapeWithdrawalExchange {
		return s.withdrawExchange(ctx, c, fee)
	}

	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return uuid.Nil, err
	}
	feeAcc, err := accounts.FindSystem(ctx, account.PurposeFees, c.Source.Currency, account.KindCr)
	if err != nil {
		return uuid.Nil, err
	}
	p := payout{
		debit:    c.Source,
		owner:    c.UserID,
		currency: c.Currency,
		value:    c.Value,
		to:       c.ToAddress,
		fee:      fee,
	}
	gid := uuid.New()
	locks := []string{accountLock(c.Source.ID), spendLock(c.UserID, c.Currency)}
	err = s.uow.Hold(ctx, locks, func(held repository.UnitOfWork) error {
		allocs, err := s.reserve(ctx, held, p, c.Source, c.Value)
		if err != nil {
			return err
		}
		done, meta, err := s.broadcast(ctx, held, p, allocs)
		if err != nil {
			return err
		}
		return s.record(ctx, held, done, func(uow repository.UnitOfWork) error {
			for _, d := range done {
				row := payoutRow(gid, c.UserID, p.debit, d, transaction.GroupWithdrawal, p.to, meta)
				if err := CreateBaseTx(ctx, uow, row, c.Source, d.Account); err != nil {
					return err
				}
			}
			return writeFee(ctx, uow, gid, c.UserID, c.Source, feeAcc, transaction.GroupWithdrawal, fee.charge, len(done), meta)
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return gid, nil
}

// withdrawExchange converts the source value at the exchange and pays the
// converted amount out of the liquidity custody accounts.
func (s *Service) withdrawExchange(ctx context.Context, c *transfer.Classification, fee feeQuote) (uuid.UUID, error) {
	accounts, err := s.uow.AccountRepository()
	if err != nil {
		return uuid.Nil, err
	}
	liqFrom, err := accounts.FindSystem(ctx, account.PurposeLiquidity, c.Source.Currency, account.KindCr)
	if err != nil {
		return uuid.Nil, err
	}
	liqTo, err := accounts.FindSystem(ctx, account.PurposeLiquidity, c.Currency, account.KindCr)
	if err != nil {
		return uuid.Nil, err
	}
	feeAcc, err := accounts.FindSystem(ctx, account.PurposeFees, c.Source.Currency, account.KindCr)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.ensureCharge(ctx, accounts, c.Source, c.Value, fee.charge, 1); err != nil {
		return uuid.Nil, err
	}
	conf, err := s.exchange.Exchange(ctx, c.Exchange.ID, c.Source.Currency, c.Currency, c.Value)
	if err != nil {
		return uuid.Nil, domain.Internal("exchange", err)
	}

	p := payout{
		debit:    liqTo,
		owner:    liqTo.UserID,
		currency: c.Currency,
		value:    conf.Converted,
		to:       c.ToAddress,
		fee:      fee,
		purpose:  account.PurposeLiquidity,
	}
	gid := uuid.New()
	locks := []string{accountLock(c.Source.ID), accountLock(liqTo.ID), spendLock(liqTo.UserID, c.Currency)}
	err = s.uow.Hold(ctx, locks, func(held repository.UnitOfWork) error {
		allocs, err := s.reserve(ctx, held, p, c.Source, c.Value)
		if err != nil {
			return err
		}
		done, meta, err := s.broadcast(ctx, held, p, allocs)
		if err != nil {
			return err
		}
		paid, _ := allocated(allocationsOf(done))
		debited := c.Value
		if !paid.Equal(conf.Converted) {
			// only the share of the source value that reached the chain is taken
			var ok bool
			if debited, ok = c.Value.MulDiv(paid, conf.Converted); !ok {
				debited = c.Value
			}
		}
		exMeta := withMeta(meta, map[string]any{
			transaction.MetaExchangeID:   conf.ExchangeID,
			transaction.MetaExchangeRate: conf.Rate,
		})
		return s.record(ctx, held, done, func(uow repository.UnitOfWork) error {
			from := transaction.New(transaction.Draft{
				GID:         gid,
				UserID:      c.UserID,
				DrAccountID: c.Source.ID,
				CrAccountID: liqFrom.ID,
				Currency:    c.Source.Currency,
				Value:       debited,
				Kind:        transaction.KindMultiFrom,
				GroupKind:   transaction.GroupWithdrawalMulti,
				Metadata:    exMeta,
			})
			if err := CreateBaseTx(ctx, uow, from, c.Source, liqFrom); err != nil {
				return err
			}
			for _, d := range done {
				row := payoutRow(gid, c.UserID, p.debit, d, transaction.GroupWithdrawalMulti, p.to, meta)
				row.RelatedTx = &from.ID
				if err := CreateBaseTx(ctx, uow, row, liqTo, d.Account); err != nil {
					return err
				}
			}
			return writeFee(ctx, uow, gid, c.UserID, c.Source, feeAcc, transaction.GroupWithdrawalMulti, fee.charge, len(done), meta)
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return gid, nil
}

// reserve picks the covering custody set and checks the source can pay for
// it, in its own serializable unit of work.
func (s *Service) reserve(ctx context.Context, held repository.UnitOfWork, p payout, source *account.Account, value money.Amount) ([]Allocation, error) {
	var allocs []Allocation
	err := held.Do(ctx, func(uow repository.UnitOfWork) error {
		accounts, err := uow.AccountRepository()
		if err != nil {
			return err
		}
		if allocs, err = s.selectPayout(ctx, uow, p); err != nil {
			return err
		}
		return s.ensureCharge(ctx, accounts, source, value, p.fee.charge, len(allocs))
	}, repository.WithSerializable())
	return allocs, err
}

// record commits the rows of payouts that are already on chain. The caller's
// cancellation no longer applies and conflicts are retried. A commit that
// still fails leaves the pending records for the reconciler to quarantine.
func (s *Service) record(ctx context.Context, held repository.UnitOfWork, done []sent, write func(uow repository.UnitOfWork) error) error {
	ctx = context.WithoutCancel(ctx)
	backoff := s.opts.CommitBackoff
	var err error
	for attempt := 1; attempt <= s.opts.CommitAttempts; attempt++ {
		err = held.Do(ctx, write, repository.WithSerializable())
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt == s.opts.CommitAttempts {
			break
		}
		s.logger.Warn("retrying withdrawal commit", "attempt", attempt, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	hashes := make([]string, len(done))
	for i, d := range done {
		hashes[i] = d.hash
	}
	s.logger.Error("withdrawal is on chain but not in the ledger, operator review required",
		"hashes", hashes, "error", err)
	return domain.Internal("record withdrawal", err)
}

// selectPayout lists the unencumbered custody accounts of the payer and
// picks the covering set.
func (s *Service) selectPayout(ctx context.Context, uow repository.UnitOfWork, p payout) ([]Allocation, error) {
	accounts, err := uow.AccountRepository()
	if err != nil {
		return nil, err
	}
	funds, err := accounts.ListSpendable(ctx, p.owner, p.currency)
	if err != nil {
		return nil, err
	}
	usable := funds[:0]
	for _, f := range funds {
		if f.Account.Purpose == p.purpose {
			usable = append(usable, f)
		}
	}
	return SelectFunds(usable, p.value, p.fee.reserve)
}

// ensureCharge checks the source covers value plus one fee per broadcast.
func (s *Service) ensureCharge(ctx context.Context, accounts repository.AccountRepository, source *account.Account, value, charge money.Amount, broadcasts int) error {
	total, ok := charge.CheckedMul(money.New(uint64(broadcasts)))
	if ok {
		total, ok = total.CheckedAdd(value)
	}
	if !ok {
		return fmt.Errorf("withdrawal total: %w", domain.ErrBalanceOverflow)
	}
	return ensureCovers(ctx, accounts, source, total)
}

// broadcast signs and posts one payout per allocation. The first failure
// with nothing sent aborts the withdrawal. A failure after a successful
// broadcast stops the loop and the successful part is kept, because sent
// funds cannot be recalled. The returned metadata flags such a partial run.
// Each pending record commits on the held connection right after its post.
func (s *Service) broadcast(ctx context.Context, held repository.UnitOfWork, p payout, allocs []Allocation) ([]sent, map[string]any, error) {
	logger := s.logger.With("currency", p.currency, "to", p.to)
	chains, err := held.ChainRepository()
	if err != nil {
		return nil, nil, err
	}

	var done []sent
	for i, a := range allocs {
		hash, err := s.post(ctx, p, a)
		if err != nil {
			metrics.BroadcastsTotal.WithLabelValues(string(p.currency), metrics.OutcomeError).Inc()
			if len(done) == 0 {
				logger.Error("withdrawal broadcast failed, nothing sent", "from", a.Account.Address, "error", err)
				return nil, nil, domain.Internal("broadcast", err)
			}
			paid, _ := allocated(allocationsOf(done))
			unpaid, _ := p.value.CheckedSub(paid)
			logger.Error("withdrawal partially broadcast",
				"sent", len(done), "of", len(allocs), "failed_at", i,
				"unpaid_value", unpaid.String(), "error", err)
			return done, map[string]any{
				transaction.MetaPartial:       true,
				transaction.MetaUnpaidValue:   unpaid.String(),
				transaction.MetaFailureReason: err.Error(),
			}, nil
		}
		metrics.BroadcastsTotal.WithLabelValues(string(p.currency), metrics.OutcomeOK).Inc()

		pending := &transaction.PendingBlockchainTransaction{
			Hash:      hash,
			From:      a.Account.Address,
			To:        p.to,
			Currency:  p.currency,
			Value:     a.Amount,
			Fee:       p.fee.reserve,
			CreatedAt: time.Now().UTC(),
		}
		if err := chains.CreatePending(context.WithoutCancel(ctx), pending); err != nil {
			logger.Error("recording pending chain transaction failed", "hash", hash, "error", err)
		}
		done = append(done, sent{Allocation: a, hash: hash})
	}
	return done, nil, nil
}

func (s *Service) post(ctx context.Context, p payout, a Allocation) (string, error) {
	req := provider.SignRequest{
		From:     a.Account.Address,
		To:       p.to,
		Currency: p.currency,
		Value:    a.Amount,
		FeePrice: p.fee.price,
	}
	switch p.currency.Family() {
	case currency.FamilyEVM:
		nonce, err := s.signer.GetNonce(ctx, p.currency, a.Account.Address)
		if err != nil {
			return "", fmt.Errorf("nonce: %w", err)
		}
		req.Nonce = &nonce
	case currency.FamilyBitcoin:
		utxos, err := s.signer.GetUTXOs(ctx, a.Account.Address)
		if err != nil {
			return "", fmt.Errorf("utxos: %w", err)
		}
		req.UTXOs = utxos
	}
	raw, err := s.signer.SignTransaction(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	hash, err := s.signer.PostTransaction(ctx, p.currency, raw)
	if err != nil {
		return "", fmt.Errorf("post: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(hash)), nil
}

func payoutRow(gid, userID uuid.UUID, debit *account.Account, d sent, group transaction.GroupKind, to string, meta map[string]any) *transaction.Transaction {
	hash := d.hash
	return transaction.New(transaction.Draft{
		GID:            gid,
		UserID:         userID,
		DrAccountID:    debit.ID,
		CrAccountID:    d.Account.ID,
		Currency:       d.Account.Currency,
		Value:          d.Amount,
		Status:         transaction.StatusPending,
		Kind:           transaction.KindWithdrawal,
		GroupKind:      group,
		BlockchainTxID: &hash,
		Metadata:       withMeta(meta, map[string]any{transaction.MetaToAddress: to}),
	})
}

// writeFee charges the source one fee per successful broadcast.
func writeFee(
	ctx context.Context,
	uow repository.UnitOfWork,
	gid, userID uuid.UUID,
	source, feeAcc *account.Account,
	group transaction.GroupKind,
	charge money.Amount,
	broadcasts int,
	meta map[string]any,
) error {
	total, ok := charge.CheckedMul(money.New(uint64(broadcasts)))
	if !ok {
		return fmt.Errorf("fee total: %w", domain.ErrBalanceOverflow)
	}
	if total.IsZero() {
		return nil
	}
	row := transaction.New(transaction.Draft{
		GID:         gid,
		UserID:      userID,
		DrAccountID: source.ID,
		CrAccountID: feeAcc.ID,
		Currency:    source.Currency,
		Value:       total,
		Kind:        transaction.KindFee,
		GroupKind:   group,
		Metadata:    withMeta(meta, nil),
	})
	return CreateBaseTx(ctx, uow, row, source, feeAcc)
}

func allocationsOf(done []sent) []Allocation {
	out := make([]Allocation, len(done))
	for i, d := range done {
		out[i] = d.Allocation
	}
	return out
}

// withMeta merges maps into a fresh one; nil when both are empty.
func withMeta(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func accountLock(id uuid.UUID) string { return "account:" + id.String() }

func spendLock(owner uuid.UUID, code currency.Code) string {
	return fmt.Sprintf("spend:%s:%s", owner, code)
}
