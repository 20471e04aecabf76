package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/google/uuid"
)

type transactionRepo struct {
	store *Store
	tx    *journal
}

func (r *transactionRepo) Create(_ context.Context, t *transaction.Transaction) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txByID[t.ID]; ok {
		return fmt.Errorf("transaction %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	cp := *t
	s.txs = append(s.txs, &cp)
	s.txByID[t.ID] = &cp
	r.tx.record(func() {
		delete(s.txByID, t.ID)
		for i := len(s.txs) - 1; i >= 0; i-- {
			if s.txs[i].ID == t.ID {
				s.txs = append(s.txs[:i], s.txs[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (r *transactionRepo) Get(_ context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.txByID[id]
	if !ok {
		return nil, transaction.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *transactionRepo) ListByGID(_ context.Context, gid uuid.UUID) ([]*transaction.Transaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*transaction.Transaction
	for _, t := range r.store.txs {
		if t.GID == gid {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *transactionRepo) FindByBlockchainTxID(_ context.Context, hash string) (*transaction.Transaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, t := range r.store.txs {
		if t.BlockchainTxID != nil && *t.BlockchainTxID == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, transaction.ErrTransactionNotFound
}

func (r *transactionRepo) MarkDone(_ context.Context, id uuid.UUID) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txByID[id]
	if !ok {
		return transaction.ErrTransactionNotFound
	}
	prev, prevAt := t.Status, t.UpdatedAt
	if err := t.MarkDone(); err != nil {
		return err
	}
	r.tx.record(func() { t.Status, t.UpdatedAt = prev, prevAt })
	return nil
}

func (r *transactionRepo) SetBlockchainTxID(_ context.Context, id uuid.UUID, hash string) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txByID[id]
	if !ok {
		return transaction.ErrTransactionNotFound
	}
	prev, prevAt := t.BlockchainTxID, t.UpdatedAt
	t.BlockchainTxID = transaction.StrPtr(hash)
	t.UpdatedAt = time.Now().UTC()
	r.tx.record(func() { t.BlockchainTxID, t.UpdatedAt = prev, prevAt })
	return nil
}

func (r *transactionRepo) ListGIDsByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]uuid.UUID, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for i := len(r.store.txs) - 1; i >= 0; i-- {
		t := r.store.txs[i]
		if t.DrAccountID != accountID && t.CrAccountID != accountID {
			continue
		}
		if seen[t.GID] {
			continue
		}
		seen[t.GID] = true
		out = append(out, t.GID)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
