package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates an account repository using the provided *gorm.DB.
func NewAccountRepository(db *gorm.DB) repository.AccountRepository {
	return &accountRepository{db: db}
}

const balanceSQL = `SELECT
	COALESCE(SUM(CASE WHEN dr_account_id = @id THEN value ELSE 0 END), 0) AS debits,
	COALESCE(SUM(CASE WHEN cr_account_id = @id THEN value ELSE 0 END), 0) AS credits
FROM transactions WHERE dr_account_id = @id OR cr_account_id = @id`

const spendableSQL = `SELECT a.*,
	COALESCE((SELECT SUM(t.value) FROM transactions t WHERE t.dr_account_id = a.id), 0) AS debits,
	COALESCE((SELECT SUM(t.value) FROM transactions t WHERE t.cr_account_id = a.id), 0) AS credits
FROM accounts a
WHERE a.user_id = @user AND a.currency = @currency AND a.kind = @kind
	AND NOT EXISTS (
		SELECT 1 FROM transactions p
		WHERE p.status = @pending AND (p.dr_account_id = a.id OR p.cr_account_id = a.id)
	)
ORDER BY a.created_at, a.id`

type totals struct {
	Debits  money.Amount
	Credits money.Amount
}

type spendableRow struct {
	Account `gorm:"embedded"`
	Debits  money.Amount
	Credits money.Amount
}

func (r *accountRepository) Create(ctx context.Context, acc *account.Account) error {
	m := mapAccountToModel(acc)
	return WrapError(func() error {
		return r.db.WithContext(ctx).Create(&m).Error
	})
}

func (r *accountRepository) Get(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	var m Account
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, account.ErrAccountNotFound)
	}
	return mapAccountToDomain(&m), nil
}

func (r *accountRepository) FindByAddress(ctx context.Context, address string) ([]*account.Account, error) {
	return r.find(ctx, r.db.Where("address = ?", address))
}

func (r *accountRepository) FindByAddressKind(
	ctx context.Context,
	address string,
	code currency.Code,
	kind account.Kind,
) (*account.Account, error) {
	var m Account
	err := r.db.WithContext(ctx).
		Where("address = ? AND currency = ? AND kind = ?", address, string(code), string(kind)).
		First(&m).Error
	if err != nil {
		return nil, notFound(err, account.ErrAccountNotFound)
	}
	return mapAccountToDomain(&m), nil
}

func (r *accountRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*account.Account, error) {
	return r.find(ctx, r.db.Where("user_id = ?", userID))
}

func (r *accountRepository) FindSystem(
	ctx context.Context,
	purpose account.Purpose,
	code currency.Code,
	kind account.Kind,
) (*account.Account, error) {
	var m Account
	err := r.db.WithContext(ctx).
		Where("purpose = ? AND currency = ? AND kind = ?", string(purpose), string(code), string(kind)).
		Order("created_at").
		First(&m).Error
	if err != nil {
		return nil, notFound(err, fmt.Errorf("system %s %s %s: %w", purpose, code, kind, account.ErrAccountNotFound))
	}
	return mapAccountToDomain(&m), nil
}

func (r *accountRepository) SetERC20Approved(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).
		Updates(map[string]any{"erc20_approved": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return MapGormErrorToDomain(res.Error)
	}
	if res.RowsAffected == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) Balance(ctx context.Context, acc *account.Account) (account.Funds, error) {
	var t totals
	if err := r.db.WithContext(ctx).Raw(balanceSQL, map[string]any{"id": acc.ID}).Scan(&t).Error; err != nil {
		return account.Funds{}, balanceError(err)
	}
	b, err := account.Balance(acc.Kind, t.Debits, t.Credits)
	if err != nil {
		return account.Funds{}, err
	}
	return account.Funds{Account: acc, Balance: b}, nil
}

func (r *accountRepository) ListSpendable(ctx context.Context, userID uuid.UUID, code currency.Code) ([]account.Funds, error) {
	var rows []spendableRow
	err := r.db.WithContext(ctx).Raw(spendableSQL, map[string]any{
		"user":     userID,
		"currency": string(code),
		"kind":     string(account.KindDr),
		"pending":  "pending",
	}).Scan(&rows).Error
	if err != nil {
		return nil, balanceError(err)
	}
	out := make([]account.Funds, 0, len(rows))
	for i := range rows {
		acc := mapAccountToDomain(&rows[i].Account)
		b, err := account.Balance(acc.Kind, rows[i].Debits, rows[i].Credits)
		if err != nil {
			return nil, err
		}
		if b.IsZero() {
			continue
		}
		out = append(out, account.Funds{Account: acc, Balance: b})
	}
	return out, nil
}

func (r *accountRepository) find(ctx context.Context, q *gorm.DB) ([]*account.Account, error) {
	var ms []Account
	if err := q.WithContext(ctx).Order("created_at, id").Find(&ms).Error; err != nil {
		return nil, MapGormErrorToDomain(err)
	}
	out := make([]*account.Account, 0, len(ms))
	for i := range ms {
		out = append(out, mapAccountToDomain(&ms[i]))
	}
	return out, nil
}

// sums wider than 128 bits fail to scan into money.Amount
func balanceError(err error) error {
	if errors.Is(err, money.ErrFormat) {
		return fmt.Errorf("%w: %w", domain.ErrBalanceOverflow, err)
	}
	return MapGormErrorToDomain(err)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return MapGormErrorToDomain(err)
}
