package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/amirasaad/cryptoledger/pkg/repository"
	"gorm.io/gorm"
)

// UoW provides transaction boundary and repository access in one abstraction.
// Repositories handed out inside Do share the transaction's session; the
// ones handed out by the root UoW run each call on its own pooled connection,
// and the ones handed out inside Hold run on the held connection.
type UoW struct {
	db   *gorm.DB
	conn *gorm.DB
	tx   *gorm.DB
}

// NewUoW creates a new UoW for the given *gorm.DB.
func NewUoW(db *gorm.DB) *UoW {
	return &UoW{db: db}
}

// Do checks out one connection, takes the requested advisory locks in sorted
// order, and runs fn in a transaction on that connection. The locks are
// session-level so they are held before BEGIN and released after COMMIT or
// ROLLBACK, which lets the transaction snapshot see every commit made by the
// previous holder. Inside Hold the held connection is reused and no further
// locks are taken.
func (u *UoW) Do(ctx context.Context, fn func(uow repository.UnitOfWork) error, opts ...repository.TxOption) error {
	if u.tx != nil {
		return fn(u)
	}
	o := repository.NewTxOptions(opts...)
	txOpts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	if o.Isolation == repository.Serializable {
		txOpts.Isolation = sql.LevelSerializable
	}
	run := func(conn *gorm.DB) error {
		return conn.Transaction(func(tx *gorm.DB) error {
			return fn(&UoW{db: u.db, conn: conn, tx: tx})
		}, txOpts)
	}

	if u.conn != nil {
		return MapGormErrorToDomain(run(u.conn.WithContext(ctx)))
	}
	err := u.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := lock(ctx, conn, o.Locks); err != nil {
			return err
		}
		defer unlock(ctx, conn, o.Locks)
		return run(conn)
	})
	return MapGormErrorToDomain(err)
}

// Hold pins one connection and keeps the advisory locks for keys on it while
// fn runs. Units of work fn starts commit one by one on that connection, so
// an operation never needs a second connection while holding its locks.
func (u *UoW) Hold(ctx context.Context, keys []string, fn func(uow repository.UnitOfWork) error) error {
	keys = repository.SortedKeys(keys)
	if s := u.pinned(); s != nil {
		if err := lock(ctx, s, keys); err != nil {
			return MapGormErrorToDomain(err)
		}
		defer unlock(ctx, s, keys)
		return fn(u)
	}
	err := u.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := lock(ctx, conn, keys); err != nil {
			return err
		}
		defer unlock(ctx, conn, keys)
		return fn(&UoW{db: u.db, conn: conn})
	})
	return MapGormErrorToDomain(err)
}

func lock(ctx context.Context, conn *gorm.DB, keys []string) error {
	for i, key := range keys {
		if err := conn.WithContext(ctx).Exec("SELECT pg_advisory_lock(hashtext(?))", key).Error; err != nil {
			unlock(ctx, conn, keys[:i])
			return err
		}
	}
	return nil
}

func unlock(ctx context.Context, conn *gorm.DB, keys []string) {
	// unlock even when the caller's context is already cancelled
	c := conn.WithContext(context.WithoutCancel(ctx))
	for i := len(keys) - 1; i >= 0; i-- {
		if err := c.Exec("SELECT pg_advisory_unlock(hashtext(?))", keys[i]).Error; err != nil {
			slog.Default().Error("advisory unlock failed", "key", keys[i], "error", err)
		}
	}
}

// pinned is the session bound to one connection, if any.
func (u *UoW) pinned() *gorm.DB {
	if u.tx != nil {
		return u.tx
	}
	return u.conn
}

func (u *UoW) session() *gorm.DB {
	if s := u.pinned(); s != nil {
		return s
	}
	return u.db
}

func (u *UoW) AccountRepository() (repository.AccountRepository, error) {
	return NewAccountRepository(u.session()), nil
}

func (u *UoW) TransactionRepository() (repository.TransactionRepository, error) {
	return NewTransactionRepository(u.session()), nil
}

func (u *UoW) ChainRepository() (repository.ChainRepository, error) {
	return NewChainRepository(u.session()), nil
}

var _ repository.UnitOfWork = (*UoW)(nil)
