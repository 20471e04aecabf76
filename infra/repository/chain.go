package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type chainRepository struct {
	db *gorm.DB
}

// NewChainRepository creates a repository for pending, permanent, seen and
// quarantined chain records using the provided *gorm.DB.
func NewChainRepository(db *gorm.DB) repository.ChainRepository {
	return &chainRepository{db: db}
}

func (r *chainRepository) CreatePending(ctx context.Context, p *transaction.PendingBlockchainTransaction) error {
	m := mapPendingToModel(p)
	return WrapError(func() error {
		return r.db.WithContext(ctx).Create(&m).Error
	})
}

func (r *chainRepository) GetPending(ctx context.Context, hash string) (*transaction.PendingBlockchainTransaction, error) {
	var m PendingBlockchainTransaction
	if err := r.db.WithContext(ctx).First(&m, "hash = ?", hash).Error; err != nil {
		return nil, notFound(err, transaction.ErrPendingNotFound)
	}
	return mapPendingToDomain(&m), nil
}

func (r *chainRepository) DeletePending(ctx context.Context, hash string) error {
	return WrapError(func() error {
		return r.db.WithContext(ctx).Where("hash = ?", hash).Delete(&PendingBlockchainTransaction{}).Error
	})
}

func (r *chainRepository) SaveBlockchainTransaction(ctx context.Context, b *transaction.BlockchainTransaction) error {
	m := mapChainTxToModel(b)
	return WrapError(func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	})
}

func (r *chainRepository) GetBlockchainTransaction(ctx context.Context, hash string) (*transaction.BlockchainTransaction, error) {
	var m BlockchainTransaction
	if err := r.db.WithContext(ctx).First(&m, "hash = ?", hash).Error; err != nil {
		return nil, notFound(err, fmt.Errorf("blockchain transaction %s: %w", hash, domain.ErrNotFound))
	}
	return mapChainTxToDomain(&m), nil
}

func (r *chainRepository) IsSeen(ctx context.Context, hash string, code currency.Code) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&SeenHash{}).
		Where("hash = ? AND currency = ?", hash, string(code)).
		Count(&n).Error
	if err != nil {
		return false, MapGormErrorToDomain(err)
	}
	return n > 0, nil
}

func (r *chainRepository) MarkSeen(ctx context.Context, hash string, code currency.Code) error {
	m := SeenHash{Hash: hash, Currency: string(code), CreatedAt: time.Now().UTC()}
	return WrapError(func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	})
}

func (r *chainRepository) SaveStrange(ctx context.Context, s *transaction.StrangeTransaction) error {
	m := StrangeBlockchainTransaction{
		Hash:      s.Hash,
		Currency:  string(s.Currency),
		Payload:   s.Payload,
		Reason:    s.Reason,
		CreatedAt: s.CreatedAt,
	}
	return WrapError(func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
	})
}

func (r *chainRepository) ListStrange(ctx context.Context, limit int) ([]*transaction.StrangeTransaction, error) {
	var ms []StrangeBlockchainTransaction
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, MapGormErrorToDomain(err)
	}
	out := make([]*transaction.StrangeTransaction, 0, len(ms))
	for _, m := range ms {
		out = append(out, &transaction.StrangeTransaction{
			Hash:      m.Hash,
			Currency:  currency.Code(m.Currency),
			Payload:   m.Payload,
			Reason:    m.Reason,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}
