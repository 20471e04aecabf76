package repository

import (
	"context"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/google/uuid"
)

// AccountRepository defines the interface for account data access operations.
type AccountRepository interface {
	Create(ctx context.Context, acc *account.Account) error
	Get(ctx context.Context, id uuid.UUID) (*account.Account, error)
	// FindByAddress returns every account at address, any currency or kind.
	FindByAddress(ctx context.Context, address string) ([]*account.Account, error)
	// FindByAddressKind returns the single account at (address, currency, kind)
	// or account.ErrAccountNotFound.
	FindByAddressKind(ctx context.Context, address string, code currency.Code, kind account.Kind) (*account.Account, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*account.Account, error)
	// FindSystem returns the ledger-owned account for purpose, currency and kind.
	FindSystem(ctx context.Context, purpose account.Purpose, code currency.Code, kind account.Kind) (*account.Account, error)
	SetERC20Approved(ctx context.Context, id uuid.UUID) error
	// Balance derives the balance of acc from its transactions.
	Balance(ctx context.Context, acc *account.Account) (account.Funds, error)
	// ListSpendable returns the user's Dr accounts in code that no pending
	// transaction references, with their balances.
	ListSpendable(ctx context.Context, userID uuid.UUID, code currency.Code) ([]account.Funds, error)
}

// TransactionRepository defines the interface for ledger row access.
// Rows are append-only: only status and blockchain_tx_id are ever updated.
type TransactionRepository interface {
	Create(ctx context.Context, tx *transaction.Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error)
	// ListByGID returns the rows of a group ordered by creation.
	ListByGID(ctx context.Context, gid uuid.UUID) ([]*transaction.Transaction, error)
	// FindByBlockchainTxID returns the row attached to hash or
	// transaction.ErrTransactionNotFound.
	FindByBlockchainTxID(ctx context.Context, hash string) (*transaction.Transaction, error)
	// MarkDone moves a pending row to done. It fails with
	// transaction.ErrInvalidTransition when the row is not pending.
	MarkDone(ctx context.Context, id uuid.UUID) error
	SetBlockchainTxID(ctx context.Context, id uuid.UUID, hash string) error
	// ListGIDsByAccount returns the groups touching an account, newest first.
	ListGIDsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]uuid.UUID, error)
}

// ChainRepository stores the records bridging the ledger and the blockchain.
type ChainRepository interface {
	CreatePending(ctx context.Context, p *transaction.PendingBlockchainTransaction) error
	// GetPending returns transaction.ErrPendingNotFound when absent.
	GetPending(ctx context.Context, hash string) (*transaction.PendingBlockchainTransaction, error)
	DeletePending(ctx context.Context, hash string) error
	SaveBlockchainTransaction(ctx context.Context, b *transaction.BlockchainTransaction) error
	GetBlockchainTransaction(ctx context.Context, hash string) (*transaction.BlockchainTransaction, error)
	IsSeen(ctx context.Context, hash string, code currency.Code) (bool, error)
	MarkSeen(ctx context.Context, hash string, code currency.Code) error
	SaveStrange(ctx context.Context, s *transaction.StrangeTransaction) error
	ListStrange(ctx context.Context, limit int) ([]*transaction.StrangeTransaction, error)
}
