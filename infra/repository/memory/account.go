package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/google/uuid"
)

type accountRepo struct {
	store *Store
	tx    *journal
}

func (r *accountRepo) Create(_ context.Context, acc *account.Account) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; ok {
		return fmt.Errorf("account %s: %w", acc.ID, domain.ErrAlreadyExists)
	}
	for _, a := range s.accounts {
		if a.Address == acc.Address && a.Currency == acc.Currency && a.Kind == acc.Kind {
			return fmt.Errorf("account at %s %s %s: %w", acc.Address, acc.Currency, acc.Kind, domain.ErrAlreadyExists)
		}
	}
	cp := *acc
	s.accounts[acc.ID] = &cp
	r.tx.record(func() { delete(s.accounts, acc.ID) })
	return nil
}

func (r *accountRepo) Get(_ context.Context, id uuid.UUID) (*account.Account, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.accounts[id]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *accountRepo) FindByAddress(_ context.Context, address string) ([]*account.Account, error) {
	return r.filter(func(a *account.Account) bool { return a.Address == address }), nil
}

func (r *accountRepo) FindByAddressKind(_ context.Context, address string, code currency.Code, kind account.Kind) (*account.Account, error) {
	found := r.filter(func(a *account.Account) bool {
		return a.Address == address && a.Currency == code && a.Kind == kind
	})
	if len(found) == 0 {
		return nil, account.ErrAccountNotFound
	}
	return found[0], nil
}

func (r *accountRepo) ListByUser(_ context.Context, userID uuid.UUID) ([]*account.Account, error) {
	return r.filter(func(a *account.Account) bool { return a.UserID == userID }), nil
}

func (r *accountRepo) FindSystem(_ context.Context, purpose account.Purpose, code currency.Code, kind account.Kind) (*account.Account, error) {
	found := r.filter(func(a *account.Account) bool {
		return a.Purpose == purpose && a.Currency == code && a.Kind == kind
	})
	if len(found) == 0 {
		return nil, fmt.Errorf("system %s %s %s: %w", purpose, code, kind, account.ErrAccountNotFound)
	}
	return found[0], nil
}

func (r *accountRepo) SetERC20Approved(_ context.Context, id uuid.UUID) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.ErrAccountNotFound
	}
	prev := a.ERC20Approved
	a.ERC20Approved = true
	r.tx.record(func() { a.ERC20Approved = prev })
	return nil
}

func (r *accountRepo) Balance(_ context.Context, acc *account.Account) (account.Funds, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, err := r.store.balanceLocked(acc)
	if err != nil {
		return account.Funds{}, err
	}
	return account.Funds{Account: acc, Balance: b}, nil
}

func (r *accountRepo) ListSpendable(_ context.Context, userID uuid.UUID, code currency.Code) ([]account.Funds, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	busy := make(map[uuid.UUID]bool)
	for _, t := range s.txs {
		if t.IsPending() {
			busy[t.DrAccountID] = true
			busy[t.CrAccountID] = true
		}
	}
	var out []account.Funds
	for _, a := range s.sortedAccounts() {
		if a.UserID != userID || a.Currency != code || a.Kind != account.KindDr || busy[a.ID] {
			continue
		}
		b, err := s.balanceLocked(a)
		if err != nil {
			return nil, err
		}
		if b.IsZero() {
			continue
		}
		cp := *a
		out = append(out, account.Funds{Account: &cp, Balance: b})
	}
	return out, nil
}

func (s *Store) balanceLocked(acc *account.Account) (money.Amount, error) {
	debits, credits := money.Zero, money.Zero
	var ok bool
	for _, t := range s.txs {
		if t.DrAccountID == acc.ID {
			if debits, ok = debits.CheckedAdd(t.Value); !ok {
				return money.Zero, domain.ErrBalanceOverflow
			}
		}
		if t.CrAccountID == acc.ID {
			if credits, ok = credits.CheckedAdd(t.Value); !ok {
				return money.Zero, domain.ErrBalanceOverflow
			}
		}
	}
	return account.Balance(acc.Kind, debits, credits)
}

func (s *Store) sortedAccounts() []*account.Account {
	out := make([]*account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r *accountRepo) filter(keep func(*account.Account) bool) []*account.Account {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*account.Account
	for _, a := range r.store.sortedAccounts() {
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}
