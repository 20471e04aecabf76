// Package memory is an in-process implementation of the repository
// interfaces. Units of work are serialized by a single mutex, which makes
// them trivially serializable, and rolled back through an undo journal.
// Lock keys map to in-process mutexes taken before the store mutex.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
)

// Store holds all ledger state.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex

	accounts map[uuid.UUID]*account.Account
	txs      []*transaction.Transaction
	txByID   map[uuid.UUID]*transaction.Transaction
	pending  map[string]*transaction.PendingBlockchainTransaction
	chainTxs map[string]*transaction.BlockchainTransaction
	seen     map[string]time.Time
	strange  []*transaction.StrangeTransaction
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		keys:     make(map[string]*sync.Mutex),
		accounts: make(map[uuid.UUID]*account.Account),
		txByID:   make(map[uuid.UUID]*transaction.Transaction),
		pending:  make(map[string]*transaction.PendingBlockchainTransaction),
		chainTxs: make(map[string]*transaction.BlockchainTransaction),
		seen:     make(map[string]time.Time),
	}
}

// Transactions returns a copy of every ledger row in insertion order.
func (s *Store) Transactions() []transaction.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transaction.Transaction, 0, len(s.txs))
	for _, t := range s.txs {
		out = append(out, *t)
	}
	return out
}

// SeenCount returns the number of recorded seen hashes.
func (s *Store) SeenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Strange returns a copy of the quarantine store.
func (s *Store) Strange() []transaction.StrangeTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transaction.StrangeTransaction, 0, len(s.strange))
	for _, st := range s.strange {
		out = append(out, *st)
	}
	return out
}

type journal struct {
	undo []func()
}

func (j *journal) record(fn func()) {
	if j != nil {
		j.undo = append(j.undo, fn)
	}
}

// UnitOfWork implements repository.UnitOfWork over a Store.
type UnitOfWork struct {
	store *Store
	tx    *journal
	// held is set inside Hold, whose keys cover every nested Do.
	held bool
}

// NewUoW returns a root unit of work. Repositories obtained from it outside
// Do auto-commit each call.
func NewUoW(s *Store) *UnitOfWork {
	return &UnitOfWork{store: s}
}

// Do runs fn exclusively after taking the lock keys. A nested Do joins the
// running unit of work.
func (u *UnitOfWork) Do(ctx context.Context, fn func(repository.UnitOfWork) error, opts ...repository.TxOption) (err error) {
	if u.tx != nil {
		return fn(u)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !u.held {
		defer u.store.lock(repository.NewTxOptions(opts...).Locks)()
	}
	u.store.txMu.Lock()
	defer u.store.txMu.Unlock()

	txu := &UnitOfWork{store: u.store, tx: &journal{}, held: u.held}
	defer func() {
		if r := recover(); r != nil {
			txu.rollback()
			panic(r)
		}
		if err != nil {
			txu.rollback()
		}
	}()
	return fn(txu)
}

// Hold keeps the lock keys while fn runs. Inside a unit of work or another
// Hold it joins the caller.
func (u *UnitOfWork) Hold(ctx context.Context, keys []string, fn func(repository.UnitOfWork) error) error {
	if u.tx != nil || u.held {
		return fn(u)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	defer u.store.lock(repository.SortedKeys(keys))()
	return fn(&UnitOfWork{store: u.store, held: true})
}

// lock takes the mutexes of sorted keys and returns their release.
func (s *Store) lock(keys []string) func() {
	held := make([]*sync.Mutex, 0, len(keys))
	s.keysMu.Lock()
	for _, k := range keys {
		m, ok := s.keys[k]
		if !ok {
			m = &sync.Mutex{}
			s.keys[k] = m
		}
		held = append(held, m)
	}
	s.keysMu.Unlock()
	for _, m := range held {
		m.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (u *UnitOfWork) rollback() {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	for i := len(u.tx.undo) - 1; i >= 0; i-- {
		u.tx.undo[i]()
	}
	u.tx.undo = nil
}

func (u *UnitOfWork) AccountRepository() (repository.AccountRepository, error) {
	return &accountRepo{store: u.store, tx: u.tx}, nil
}

func (u *UnitOfWork) TransactionRepository() (repository.TransactionRepository, error) {
	return &transactionRepo{store: u.store, tx: u.tx}, nil
}

func (u *UnitOfWork) ChainRepository() (repository.ChainRepository, error) {
	return &chainRepo{store: u.store, tx: u.tx}, nil
}

func seenKey(hash string, code currency.Code) string {
	return fmt.Sprintf("%s|%s", hash, code)
}

var _ repository.UnitOfWork = (*UnitOfWork)(nil)
