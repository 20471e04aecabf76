package ledger

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/money"
)

// Allocation is the part of a payout sent from one custody account.
type Allocation struct {
	Account *account.Account
	Amount  money.Amount
}

// SelectFunds picks the fewest custody accounts whose balances cover value,
// largest first. Each selected account keeps fee back for the network fee of
// its own broadcast, so an account contributes at most balance - fee.
// The allocations always sum to value exactly.
func SelectFunds(funds []account.Funds, value, fee money.Amount) ([]Allocation, error) {
	if value.IsZero() {
		return nil, domain.NewValidationError(transfer.ErrInvalidValue,
			domain.FieldError{Field: "value", Message: "must be positive"})
	}

	type candidate struct {
		funds     account.Funds
		spendable money.Amount
	}
	candidates := make([]candidate, 0, len(funds))
	var available money.Amount
	for _, f := range funds {
		spendable, ok := f.Balance.CheckedSub(fee)
		if !ok || spendable.IsZero() {
			continue
		}
		candidates = append(candidates, candidate{funds: f, spendable: spendable})
		if available, ok = available.CheckedAdd(spendable); !ok {
			return nil, fmt.Errorf("summing spendable funds: %w", domain.ErrBalanceOverflow)
		}
	}
	if available.LessThan(value) {
		return nil, domain.NewValidationError(account.ErrInsufficientFunds, domain.FieldError{
			Field:   "value",
			Message: fmt.Sprintf("exceeds the spendable custody balance (%s < %s)", available, value),
		})
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := b.spendable.Cmp(a.spendable); c != 0 {
			return c
		}
		if c := a.funds.Account.CreatedAt.Compare(b.funds.Account.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.funds.Account.ID[:], b.funds.Account.ID[:])
	})

	var (
		out       []Allocation
		remaining = value
		total     money.Amount
	)
	for _, c := range candidates {
		if remaining.IsZero() {
			break
		}
		take := c.spendable
		if remaining.LessThan(take) {
			take = remaining
		}
		remaining, _ = remaining.CheckedSub(take)
		total, _ = total.CheckedAdd(take)
		out = append(out, Allocation{Account: c.funds.Account, Amount: take})
	}
	if !total.Equal(value) {
		return nil, domain.NewValidationError(transfer.ErrInvalidValue, domain.FieldError{
			Field:   "value",
			Message: fmt.Sprintf("selected %s of %s", total, value),
		})
	}
	return out, nil
}

// allocated sums the amounts of allocs.
func allocated(allocs []Allocation) (money.Amount, bool) {
	values := make([]money.Amount, len(allocs))
	for i, a := range allocs {
		values[i] = a.Amount
	}
	return money.Sum(values...)
}
