package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a ledger row repository using the provided *gorm.DB.
func NewTransactionRepository(db *gorm.DB) repository.TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	m := mapTransactionToModel(t)
	return WrapError(func() error {
		return r.db.WithContext(ctx).Create(&m).Error
	})
}

func (r *transactionRepository) Get(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	var m Transaction
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, transaction.ErrTransactionNotFound)
	}
	return mapTransactionToDomain(&m), nil
}

func (r *transactionRepository) ListByGID(ctx context.Context, gid uuid.UUID) ([]*transaction.Transaction, error) {
	var ms []Transaction
	if err := r.db.WithContext(ctx).Where("gid = ?", gid).Order("created_at, id").Find(&ms).Error; err != nil {
		return nil, MapGormErrorToDomain(err)
	}
	out := make([]*transaction.Transaction, 0, len(ms))
	for i := range ms {
		out = append(out, mapTransactionToDomain(&ms[i]))
	}
	return out, nil
}

func (r *transactionRepository) FindByBlockchainTxID(ctx context.Context, hash string) (*transaction.Transaction, error) {
	var m Transaction
	err := r.db.WithContext(ctx).Where("blockchain_tx_id = ?", hash).Order("created_at").First(&m).Error
	if err != nil {
		return nil, notFound(err, transaction.ErrTransactionNotFound)
	}
	return mapTransactionToDomain(&m), nil
}

func (r *transactionRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, string(transaction.StatusPending)).
		Updates(map[string]any{"status": string(transaction.StatusDone), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return MapGormErrorToDomain(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: transaction %s is not pending", transaction.ErrInvalidTransition, id)
}

func (r *transactionRepository) SetBlockchainTxID(ctx context.Context, id uuid.UUID, hash string) error {
	res := r.db.WithContext(ctx).Model(&Transaction{}).Where("id = ?", id).
		Updates(map[string]any{"blockchain_tx_id": hash, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return MapGormErrorToDomain(res.Error)
	}
	if res.RowsAffected == 0 {
		return transaction.ErrTransactionNotFound
	}
	return nil
}

func (r *transactionRepository) ListGIDsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]uuid.UUID, error) {
	var gids []uuid.UUID
	q := r.db.WithContext(ctx).Model(&Transaction{}).
		Select("gid").
		Where("dr_account_id = ? OR cr_account_id = ?", accountID, accountID).
		Group("gid").
		Order("MAX(created_at) DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("gid", &gids).Error; err != nil {
		return nil, MapGormErrorToDomain(err)
	}
	return gids, nil
}
