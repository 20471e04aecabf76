package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
)

type chainRepo struct {
	store *Store
	tx    *journal
}

func (r *chainRepo) CreatePending(_ context.Context, p *transaction.PendingBlockchainTransaction) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[p.Hash]; ok {
		return fmt.Errorf("pending %s: %w", p.Hash, domain.ErrAlreadyExists)
	}
	cp := *p
	s.pending[p.Hash] = &cp
	r.tx.record(func() { delete(s.pending, p.Hash) })
	return nil
}

func (r *chainRepo) GetPending(_ context.Context, hash string) (*transaction.PendingBlockchainTransaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.pending[hash]
	if !ok {
		return nil, transaction.ErrPendingNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *chainRepo) DeletePending(_ context.Context, hash string) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[hash]
	if !ok {
		return nil
	}
	delete(s.pending, hash)
	r.tx.record(func() { s.pending[hash] = p })
	return nil
}

func (r *chainRepo) SaveBlockchainTransaction(_ context.Context, b *transaction.BlockchainTransaction) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chainTxs[b.Hash]; ok {
		return nil
	}
	cp := *b
	s.chainTxs[b.Hash] = &cp
	r.tx.record(func() { delete(s.chainTxs, b.Hash) })
	return nil
}

func (r *chainRepo) GetBlockchainTransaction(_ context.Context, hash string) (*transaction.BlockchainTransaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.chainTxs[hash]
	if !ok {
		return nil, fmt.Errorf("blockchain transaction %s: %w", hash, domain.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (r *chainRepo) IsSeen(_ context.Context, hash string, code currency.Code) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.seen[seenKey(hash, code)]
	return ok, nil
}

func (r *chainRepo) MarkSeen(_ context.Context, hash string, code currency.Code) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	k := seenKey(hash, code)
	if _, ok := s.seen[k]; ok {
		return nil
	}
	s.seen[k] = time.Now().UTC()
	r.tx.record(func() { delete(s.seen, k) })
	return nil
}

func (r *chainRepo) SaveStrange(_ context.Context, st *transaction.StrangeTransaction) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.strange {
		if existing.Hash == st.Hash {
			return nil
		}
	}
	cp := *st
	s.strange = append(s.strange, &cp)
	r.tx.record(func() { s.strange = s.strange[:len(s.strange)-1] })
	return nil
}

func (r *chainRepo) ListStrange(_ context.Context, limit int) ([]*transaction.StrangeTransaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*transaction.StrangeTransaction
	for i := len(r.store.strange) - 1; i >= 0; i-- {
		cp := *r.store.strange[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
