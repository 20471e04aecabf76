package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
)

// Converter reassembles a transaction group into the transfer a user sees.
type Converter struct {
	uow repository.UnitOfWork
}

// NewConverter returns a Converter reading through uow.
func NewConverter(uow repository.UnitOfWork) *Converter {
	return &Converter{uow: uow}
}

// group is the rows of one gid split by role.
type group struct {
	rows      []*transaction.Transaction
	payouts   []*transaction.Transaction
	multiFrom []*transaction.Transaction
	multiTo   []*transaction.Transaction
	internal  []*transaction.Transaction
	deposits  []*transaction.Transaction
	fees      []*transaction.Transaction
}

func malformed(gid uuid.UUID, format string, args ...any) error {
	return fmt.Errorf("%w: group %s: %s", transaction.ErrInvalidTransaction, gid, fmt.Sprintf(format, args...))
}

// Convert loads the rows of gid and returns their user-facing transfer.
func (c *Converter) Convert(ctx context.Context, gid uuid.UUID) (*transfer.Transfer, error) {
	txs, err := c.uow.TransactionRepository()
	if err != nil {
		return nil, err
	}
	rows, err := txs.ListByGID(ctx, gid)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("group %s: %w", gid, transaction.ErrTransactionNotFound)
	}

	g := group{rows: rows}
	for _, r := range rows {
		if r.GroupKind != rows[0].GroupKind {
			return nil, malformed(gid, "mixed group kinds %s and %s", rows[0].GroupKind, r.GroupKind)
		}
		switch r.Kind {
		case transaction.KindWithdrawal:
			g.payouts = append(g.payouts, r)
		case transaction.KindMultiFrom:
			g.multiFrom = append(g.multiFrom, r)
		case transaction.KindMultiTo:
			g.multiTo = append(g.multiTo, r)
		case transaction.KindInternal:
			g.internal = append(g.internal, r)
		case transaction.KindDeposit:
			g.deposits = append(g.deposits, r)
		case transaction.KindFee:
			g.fees = append(g.fees, r)
		case transaction.KindBlockchainFee:
			// network fees settled by the ledger are not part of the user view
		default:
			return nil, malformed(gid, "unexpected row kind %s", r.Kind)
		}
	}

	t := &transfer.Transfer{
		GID:       gid,
		Kind:      rows[0].GroupKind,
		UserID:    rows[0].UserID,
		CreatedAt: rows[0].CreatedAt,
	}
	switch t.Kind {
	case transaction.GroupInternal:
		err = c.internal(ctx, g, t)
	case transaction.GroupInternalMulti:
		err = c.internalMulti(ctx, g, t)
	case transaction.GroupWithdrawal, transaction.GroupWithdrawalMulti:
		err = c.withdrawal(ctx, g, t)
	case transaction.GroupDeposit:
		err = c.deposit(ctx, g, t)
	default:
		err = malformed(gid, "unsupported group kind %s", t.Kind)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Converter) internal(ctx context.Context, g group, t *transfer.Transfer) error {
	if len(g.internal) != 1 || len(g.rows) != 1 {
		return malformed(t.GID, "internal group has %d rows", len(g.rows))
	}
	r := g.internal[0]
	var err error
	if t.From, err = c.endpoint(ctx, r.DrAccountID); err != nil {
		return err
	}
	if t.To, err = c.endpoint(ctx, r.CrAccountID); err != nil {
		return err
	}
	t.Currency, t.Value, t.Status = r.Currency, r.Value, r.Status
	return nil
}

// internalMulti orders the two legs by which side the liquidity account sits on.
func (c *Converter) internalMulti(ctx context.Context, g group, t *transfer.Transfer) error {
	if len(g.rows) != 2 || len(g.multiFrom) != 1 || len(g.multiTo) != 1 {
		return malformed(t.GID, "exchange group has %d rows", len(g.rows))
	}
	from, to := g.multiFrom[0], g.multiTo[0]
	if ok, err := c.isLiquidity(ctx, from.CrAccountID); err != nil || !ok {
		return liquidityErr(t.GID, err)
	}
	if ok, err := c.isLiquidity(ctx, to.DrAccountID); err != nil || !ok {
		return liquidityErr(t.GID, err)
	}
	var err error
	if t.From, err = c.endpoint(ctx, from.DrAccountID); err != nil {
		return err
	}
	if t.To, err = c.endpoint(ctx, to.CrAccountID); err != nil {
		return err
	}
	t.Currency, t.Value = from.Currency, from.Value
	t.ToCurrency = to.Currency
	toValue := to.Value
	t.ToValue = &toValue
	t.Status = transaction.StatusDone
	if from.IsPending() || to.IsPending() {
		t.Status = transaction.StatusPending
	}
	return nil
}

func (c *Converter) withdrawal(ctx context.Context, g group, t *transfer.Transfer) error {
	if len(g.payouts) == 0 || len(g.fees) > 1 || len(g.internal) > 0 || len(g.deposits) > 0 || len(g.multiTo) > 0 {
		return malformed(t.GID, "withdrawal group has %d payouts and %d fee rows", len(g.payouts), len(g.fees))
	}
	multi := t.Kind == transaction.GroupWithdrawalMulti
	if multi != (len(g.multiFrom) == 1) || len(g.multiFrom) > 1 {
		return malformed(t.GID, "withdrawal group has %d exchange legs", len(g.multiFrom))
	}

	var (
		paid   money.Amount
		ok     bool
		hashes = make([]string, 0, len(g.payouts))
		to     string
	)
	t.Status = transaction.StatusDone
	for _, p := range g.payouts {
		if !p.HasBlockchainTx() {
			return malformed(t.GID, "payout %s has no chain transaction", p.ID)
		}
		if paid, ok = paid.CheckedAdd(p.Value); !ok {
			return fmt.Errorf("summing payouts: %w", domain.ErrBalanceOverflow)
		}
		if p.IsPending() {
			t.Status = transaction.StatusPending
		}
		hashes = append(hashes, *p.BlockchainTxID)
		addr, err := c.externalAddress(ctx, *p.BlockchainTxID)
		if err != nil {
			return fmt.Errorf("%w: group %s: %w", transaction.ErrInvalidTransaction, t.GID, err)
		}
		if to != "" && addr != to {
			return malformed(t.GID, "payouts go to %s and %s", to, addr)
		}
		to = addr
	}
	t.To = transfer.Endpoint{Address: to}
	t.Hashes = hashes

	source := g.payouts[0].DrAccountID
	if multi {
		leg := g.multiFrom[0]
		source = leg.DrAccountID
		t.Currency, t.Value = leg.Currency, leg.Value
		t.ToCurrency = g.payouts[0].Currency
		t.ToValue = &paid
	} else {
		t.Currency, t.Value = g.payouts[0].Currency, paid
	}
	var err error
	if t.From, err = c.endpoint(ctx, source); err != nil {
		return err
	}

	if len(g.fees) == 1 {
		fee := g.fees[0].Value
		t.Fee = &fee
	}
	for _, r := range g.rows {
		if r.MetaBool(transaction.MetaPartial) {
			t.Partial = true
			if unpaid, err := money.Parse(r.MetaString(transaction.MetaUnpaidValue)); err == nil {
				t.Unpaid = &unpaid
			}
			break
		}
	}
	return nil
}

func (c *Converter) deposit(ctx context.Context, g group, t *transfer.Transfer) error {
	if len(g.deposits) != 1 {
		return malformed(t.GID, "deposit group has %d rows", len(g.rows))
	}
	r := g.deposits[0]
	if !r.HasBlockchainTx() {
		return malformed(t.GID, "deposit has no chain transaction")
	}
	chains, err := c.uow.ChainRepository()
	if err != nil {
		return err
	}
	btx, err := chains.GetBlockchainTransaction(ctx, *r.BlockchainTxID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return malformed(t.GID, "deposit chain record %s is missing", *r.BlockchainTxID)
		}
		return err
	}
	t.From = transfer.Endpoint{Address: btx.FirstFrom()}
	if t.To, err = c.endpoint(ctx, r.CrAccountID); err != nil {
		return err
	}
	t.Currency, t.Value, t.Status = r.Currency, r.Value, r.Status
	t.Hashes = []string{*r.BlockchainTxID}
	return nil
}

// externalAddress finds the recipient of a payout in the pending record or,
// once reconciled, in the permanent chain record.
func (c *Converter) externalAddress(ctx context.Context, hash string) (string, error) {
	chains, err := c.uow.ChainRepository()
	if err != nil {
		return "", err
	}
	p, err := chains.GetPending(ctx, hash)
	if err == nil {
		return p.To, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	btx, err := chains.GetBlockchainTransaction(ctx, hash)
	if err != nil {
		return "", err
	}
	if addr := btx.FirstTo(); addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("chain record %s has no recipient", hash)
}

func (c *Converter) endpoint(ctx context.Context, id uuid.UUID) (transfer.Endpoint, error) {
	accounts, err := c.uow.AccountRepository()
	if err != nil {
		return transfer.Endpoint{}, err
	}
	acc, err := accounts.Get(ctx, id)
	if err != nil {
		return transfer.Endpoint{}, err
	}
	return transfer.Endpoint{AccountID: &acc.ID, Address: acc.Address}, nil
}

func (c *Converter) isLiquidity(ctx context.Context, id uuid.UUID) (bool, error) {
	accounts, err := c.uow.AccountRepository()
	if err != nil {
		return false, err
	}
	acc, err := accounts.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return acc.Purpose == account.PurposeLiquidity, nil
}

func liquidityErr(gid uuid.UUID, err error) error {
	if err != nil {
		return err
	}
	return malformed(gid, "exchange leg does not touch the liquidity account")
}
