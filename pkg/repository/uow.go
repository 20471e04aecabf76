package repository

import (
	"context"
	"slices"
)

// UnitOfWork defines the contract for transactional work and repository access.
//
// Do runs fn on one pooled connection inside one database transaction. The
// repositories returned by the UnitOfWork passed to fn are bound to that
// transaction. If fn returns an error the transaction is rolled back.
// Do never retries; serialization failures surface as domain.ErrConflict.
//
// Hold takes the advisory locks for keys on one pooled connection and keeps
// them while fn runs. Every Do started from the UnitOfWork passed to fn runs
// on that connection and commits on its own, and repositories obtained from
// it outside Do auto-commit on it too. Do inside Hold takes no further locks.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(uow UnitOfWork) error, opts ...TxOption) error
	Hold(ctx context.Context, keys []string, fn func(uow UnitOfWork) error) error

	AccountRepository() (AccountRepository, error)
	TransactionRepository() (TransactionRepository, error)
	ChainRepository() (ChainRepository, error)
}

// Isolation level of a unit of work.
type Isolation int

const (
	ReadCommitted Isolation = iota
	Serializable
)

// TxOptions configures a unit of work.
type TxOptions struct {
	Isolation Isolation
	// Locks are taken in sorted order before the transaction begins and
	// released after it ends.
	Locks []string
}

// TxOption mutates TxOptions.
type TxOption func(*TxOptions)

// WithSerializable runs the unit of work at serializable isolation.
func WithSerializable() TxOption {
	return func(o *TxOptions) { o.Isolation = Serializable }
}

// WithLocks serializes units of work sharing any of keys.
func WithLocks(keys ...string) TxOption {
	return func(o *TxOptions) { o.Locks = append(o.Locks, keys...) }
}

// SortedKeys returns keys sorted and deduplicated.
func SortedKeys(keys []string) []string {
	return slices.Compact(slices.Sorted(slices.Values(keys)))
}

// NewTxOptions applies opts. Lock keys come back sorted and deduplicated so
// that every caller acquires them in the same order.
func NewTxOptions(opts ...TxOption) TxOptions {
	var o TxOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.Locks = SortedKeys(o.Locks)
	return o
}
