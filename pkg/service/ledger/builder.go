package ledger

import (
	"context"
	"fmt"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
)

// CreateBaseTx inserts one ledger row after checking it against its accounts.
// Every side whose balance the row decreases (the Dr side of a Cr account,
// the Cr side of a Dr account) must hold at least the row value, otherwise
// ErrInsufficientFunds is returned and nothing is written.
func CreateBaseTx(ctx context.Context, uow repository.UnitOfWork, tx *transaction.Transaction, dr, cr *account.Account) error {
	if dr.Currency != tx.Currency || cr.Currency != tx.Currency {
		return fmt.Errorf("%w: row %s, accounts %s/%s", transaction.ErrCurrencyMismatch, tx.Currency, dr.Currency, cr.Currency)
	}
	if dr.ID != tx.DrAccountID || cr.ID != tx.CrAccountID {
		return transaction.ErrAccountMismatch
	}
	if dr.ID == cr.ID {
		return fmt.Errorf("%w: debit and credit account are the same", transaction.ErrInvalidTransaction)
	}
	if tx.Value.IsZero() {
		return fmt.Errorf("%w: zero value", transaction.ErrInvalidTransaction)
	}

	accounts, err := uow.AccountRepository()
	if err != nil {
		return err
	}
	if dr.Kind == account.KindCr {
		if err := ensureCovers(ctx, accounts, dr, tx.Value); err != nil {
			return err
		}
	}
	if cr.Kind == account.KindDr {
		if err := ensureCovers(ctx, accounts, cr, tx.Value); err != nil {
			return err
		}
	}

	txs, err := uow.TransactionRepository()
	if err != nil {
		return err
	}
	return txs.Create(ctx, tx)
}

func ensureCovers(ctx context.Context, accounts repository.AccountRepository, acc *account.Account, value money.Amount) error {
	f, err := accounts.Balance(ctx, acc)
	if err != nil {
		return err
	}
	if f.Balance.LessThan(value) {
		return insufficientFunds(acc, f.Balance, value)
	}
	return nil
}

func insufficientFunds(acc *account.Account, balance, value money.Amount) error {
	return domain.NewValidationError(account.ErrInsufficientFunds, domain.FieldError{
		Field:   "value",
		Message: fmt.Sprintf("exceeds the %s balance of account %s (%s < %s)", acc.Currency, acc.ID, balance, value),
	})
}

// buildInternal writes the single row of a same-currency transfer.
func buildInternal(ctx context.Context, uow repository.UnitOfWork, c *transfer.Classification) (uuid.UUID, error) {
	gid := uuid.New()
	tx := transaction.New(transaction.Draft{
		GID:         gid,
		UserID:      c.UserID,
		DrAccountID: c.Source.ID,
		CrAccountID: c.Recipient.ID,
		Currency:    c.Source.Currency,
		Value:       c.Value,
		Kind:        transaction.KindInternal,
		GroupKind:   transaction.GroupInternal,
	})
	return gid, CreateBaseTx(ctx, uow, tx, c.Source, c.Recipient)
}

// exchangeLegs are the two liquidity-facing rows of a cross-currency move.
type exchangeLegs struct {
	from, to   *account.Account
	converted  money.Amount
	exchangeID string
	rate       float64
}

// buildInternalExchange writes source to liquidity in the source currency
// and liquidity to recipient in the destination currency under one gid.
func buildInternalExchange(ctx context.Context, uow repository.UnitOfWork, c *transfer.Classification, legs exchangeLegs) (uuid.UUID, error) {
	gid := uuid.New()
	meta := map[string]any{
		transaction.MetaExchangeID:   legs.exchangeID,
		transaction.MetaExchangeRate: legs.rate,
	}
	from := transaction.New(transaction.Draft{
		GID:         gid,
		UserID:      c.UserID,
		DrAccountID: c.Source.ID,
		CrAccountID: legs.from.ID,
		Currency:    c.Source.Currency,
		Value:       c.Value,
		Kind:        transaction.KindMultiFrom,
		GroupKind:   transaction.GroupInternalMulti,
		Metadata:    meta,
	})
	if err := CreateBaseTx(ctx, uow, from, c.Source, legs.from); err != nil {
		return uuid.Nil, err
	}
	related := from.ID
	to := transaction.New(transaction.Draft{
		GID:         gid,
		UserID:      c.UserID,
		DrAccountID: legs.to.ID,
		CrAccountID: c.Recipient.ID,
		Currency:    c.Recipient.Currency,
		Value:       legs.converted,
		Kind:        transaction.KindMultiTo,
		GroupKind:   transaction.GroupInternalMulti,
		RelatedTx:   &related,
		Metadata:    meta,
	})
	if err := CreateBaseTx(ctx, uow, to, legs.to, c.Recipient); err != nil {
		return uuid.Nil, err
	}
	return gid, nil
}
