package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/repository"
)

// credit is one deposit output paying a custody account.
type credit struct {
	custody *account.Account
	// credit is the Cr side paired with custody; nil when it is missing.
	credit *account.Account
	value  money.Amount
}

// findCustody returns our Dr account at address in the event currency, or nil.
func findCustody(ctx context.Context, accounts repository.AccountRepository, address string, n *chain.Normalized) (*account.Account, error) {
	acc, err := accounts.FindByAddressKind(ctx, address, n.Currency, account.KindDr)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return acc, err
}

// matchDeposits pairs every non-zero output with the custody account it pays.
func matchDeposits(ctx context.Context, accounts repository.AccountRepository, n *chain.Normalized) ([]credit, error) {
	var out []credit
	for _, e := range n.To {
		if e.Value.IsZero() {
			continue
		}
		custody, err := findCustody(ctx, accounts, e.Address, n)
		if err != nil {
			return nil, err
		}
		if custody == nil {
			continue
		}
		c := credit{custody: custody, value: e.Value}
		c.credit, err = accounts.FindByAddressKind(ctx, e.Address, n.Currency, account.KindCr)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// checkDeposit returns why a deposit must not be ledgered, or "".
func checkDeposit(ctx context.Context, accounts repository.AccountRepository, n *chain.Normalized, credits []credit) (string, error) {
	for _, addr := range n.FromAddresses() {
		owned, err := accounts.FindByAddress(ctx, addr)
		if err != nil {
			return "", err
		}
		for _, a := range owned {
			if a.Kind == account.KindDr {
				return fmt.Sprintf("deposit sent from our custody address %s", addr), nil
			}
		}
	}
	for _, c := range credits {
		if c.credit == nil {
			return fmt.Sprintf("custody account %s has no credit account", c.custody.ID), nil
		}
	}
	return "", nil
}

// checkWithdrawal returns the custody account that paid tx, or why the event
// cannot settle it.
func checkWithdrawal(
	ctx context.Context,
	uow repository.UnitOfWork,
	n *chain.Normalized,
	tx *transaction.Transaction,
) (*account.Account, string, error) {
	if len(n.From) != 1 || len(n.To) != 1 {
		return nil, fmt.Sprintf("withdrawal with %d inputs and %d outputs", len(n.From), len(n.To)), nil
	}
	if tx.Kind != transaction.KindWithdrawal {
		return nil, fmt.Sprintf("hash is attached to a %s row", tx.Kind), nil
	}
	if !tx.IsPending() {
		return nil, fmt.Sprintf("ledger row %s is %s, not pending", tx.ID, tx.Status), nil
	}

	chains, err := uow.ChainRepository()
	if err != nil {
		return nil, "", err
	}
	if _, err := chains.GetPending(ctx, n.Hash); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, "no pending broadcast record", nil
		}
		return nil, "", err
	}

	accounts, err := uow.AccountRepository()
	if err != nil {
		return nil, "", err
	}
	custody, err := accounts.Get(ctx, tx.CrAccountID)
	if err != nil {
		return nil, "", err
	}
	from, to := n.From[0].Address, n.To[0].Address
	if custody.Address != from {
		return nil, fmt.Sprintf("sent from %s, ledger expects %s", from, custody.Address), nil
	}
	owned, err := accounts.FindByAddress(ctx, to)
	if err != nil {
		return nil, "", err
	}
	if len(owned) > 0 {
		return nil, fmt.Sprintf("payout to our own address %s", to), nil
	}
	return custody, "", nil
}
