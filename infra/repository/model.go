package repository

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/google/uuid"
)

// Account represents an account record in the database.
type Account struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Currency      string    `gorm:"type:varchar(8);not null"`
	Kind          string    `gorm:"type:varchar(2);not null"`
	Address       string    `gorm:"type:varchar(128);not null"`
	Name          *string   `gorm:"type:varchar(128)"`
	ERC20Approved bool      `gorm:"column:erc20_approved;not null"`
	Purpose       string    `gorm:"type:varchar(16);not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName specifies the table name for the Account model.
func (Account) TableName() string { return "accounts" }

// Transaction represents a persisted ledger row.
type Transaction struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	GID            uuid.UUID    `gorm:"column:gid;type:uuid;not null;index"`
	UserID         uuid.UUID    `gorm:"type:uuid;not null"`
	DrAccountID    uuid.UUID    `gorm:"type:uuid;not null;index"`
	CrAccountID    uuid.UUID    `gorm:"type:uuid;not null;index"`
	Currency       string       `gorm:"type:varchar(8);not null"`
	Value          money.Amount `gorm:"type:numeric(39,0);not null"`
	Status         string       `gorm:"type:varchar(16);not null"`
	Kind           string       `gorm:"type:varchar(32);not null"`
	GroupKind      string       `gorm:"type:varchar(32);not null"`
	BlockchainTxID *string      `gorm:"column:blockchain_tx_id;type:varchar(128);index"`
	RelatedTx      *uuid.UUID   `gorm:"type:uuid"`
	Metadata       Metadata     `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName specifies the table name for the Transaction model.
func (Transaction) TableName() string { return "transactions" }

// PendingBlockchainTransaction represents an outbound broadcast awaiting reconciliation.
type PendingBlockchainTransaction struct {
	Hash        string       `gorm:"type:varchar(128);primaryKey"`
	FromAddress string       `gorm:"type:varchar(128);not null"`
	ToAddress   string       `gorm:"type:varchar(128);not null"`
	Currency    string       `gorm:"type:varchar(8);not null"`
	Value       money.Amount `gorm:"type:numeric(39,0);not null"`
	Fee         money.Amount `gorm:"type:numeric(39,0);not null"`
	Erc20Op     *string      `gorm:"column:erc20_op;type:varchar(16)"`
	CreatedAt   time.Time
}

// TableName specifies the table name for the PendingBlockchainTransaction model.
func (PendingBlockchainTransaction) TableName() string { return "pending_blockchain_transactions" }

// BlockchainTransaction represents a reconciled chain event.
type BlockchainTransaction struct {
	Hash          string       `gorm:"type:varchar(128);primaryKey"`
	Currency      string       `gorm:"type:varchar(8);not null"`
	FromEntries   Entries      `gorm:"type:jsonb;not null"`
	ToEntries     Entries      `gorm:"type:jsonb;not null"`
	Block         uint64       `gorm:"not null"`
	Value         money.Amount `gorm:"type:numeric(39,0);not null"`
	Fee           money.Amount `gorm:"type:numeric(39,0);not null"`
	Confirmations uint64       `gorm:"not null"`
	Erc20Op       *string      `gorm:"column:erc20_op;type:varchar(16)"`
	CreatedAt     time.Time
}

// TableName specifies the table name for the BlockchainTransaction model.
func (BlockchainTransaction) TableName() string { return "blockchain_transactions" }

// SeenHash represents a processed (hash, currency) pair.
type SeenHash struct {
	Hash      string `gorm:"type:varchar(128);primaryKey"`
	Currency  string `gorm:"type:varchar(8);primaryKey"`
	CreatedAt time.Time
}

// TableName specifies the table name for the SeenHash model.
func (SeenHash) TableName() string { return "seen_hashes" }

// StrangeBlockchainTransaction represents a quarantined chain event.
type StrangeBlockchainTransaction struct {
	Hash      string `gorm:"type:varchar(128);primaryKey"`
	Currency  string `gorm:"type:varchar(8);not null"`
	Payload   []byte `gorm:"type:jsonb;not null"`
	Reason    string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// TableName specifies the table name for the StrangeBlockchainTransaction model.
func (StrangeBlockchainTransaction) TableName() string { return "strange_blockchain_transactions" }

// Metadata is a JSON object column.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m)
}

// Entries is a JSON array of chain entries.
type Entries []chain.Entry

func (e Entries) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]chain.Entry(e))
}

func (e *Entries) Scan(src any) error {
	return scanJSON(src, e)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

// --- Mappers ---

func mapAccountToModel(a *account.Account) Account {
	return Account{
		ID:            a.ID,
		UserID:        a.UserID,
		Currency:      string(a.Currency),
		Kind:          string(a.Kind),
		Address:       a.Address,
		Name:          a.Name,
		ERC20Approved: a.ERC20Approved,
		Purpose:       string(a.Purpose),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func mapAccountToDomain(m *Account) *account.Account {
	return &account.Account{
		ID:            m.ID,
		UserID:        m.UserID,
		Currency:      currency.Code(m.Currency),
		Kind:          account.Kind(m.Kind),
		Address:       m.Address,
		Name:          m.Name,
		ERC20Approved: m.ERC20Approved,
		Purpose:       account.Purpose(m.Purpose),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func mapTransactionToModel(t *transaction.Transaction) Transaction {
	return Transaction{
		ID:             t.ID,
		GID:            t.GID,
		UserID:         t.UserID,
		DrAccountID:    t.DrAccountID,
		CrAccountID:    t.CrAccountID,
		Currency:       string(t.Currency),
		Value:          t.Value,
		Status:         string(t.Status),
		Kind:           string(t.Kind),
		GroupKind:      string(t.GroupKind),
		BlockchainTxID: t.BlockchainTxID,
		RelatedTx:      t.RelatedTx,
		Metadata:       Metadata(t.Metadata),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func mapTransactionToDomain(m *Transaction) *transaction.Transaction {
	return &transaction.Transaction{
		ID:             m.ID,
		GID:            m.GID,
		UserID:         m.UserID,
		DrAccountID:    m.DrAccountID,
		CrAccountID:    m.CrAccountID,
		Currency:       currency.Code(m.Currency),
		Value:          m.Value,
		Status:         transaction.Status(m.Status),
		Kind:           transaction.Kind(m.Kind),
		GroupKind:      transaction.GroupKind(m.GroupKind),
		BlockchainTxID: m.BlockchainTxID,
		RelatedTx:      m.RelatedTx,
		Metadata:       map[string]any(m.Metadata),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func opToModel(op *chain.Erc20Op) *string {
	if op == nil {
		return nil
	}
	s := string(*op)
	return &s
}

func opToDomain(s *string) *chain.Erc20Op {
	if s == nil {
		return nil
	}
	op := chain.Erc20Op(*s)
	return &op
}

func mapPendingToModel(p *transaction.PendingBlockchainTransaction) PendingBlockchainTransaction {
	return PendingBlockchainTransaction{
		Hash:        p.Hash,
		FromAddress: p.From,
		ToAddress:   p.To,
		Currency:    string(p.Currency),
		Value:       p.Value,
		Fee:         p.Fee,
		Erc20Op:     opToModel(p.Erc20Op),
		CreatedAt:   p.CreatedAt,
	}
}

func mapPendingToDomain(m *PendingBlockchainTransaction) *transaction.PendingBlockchainTransaction {
	return &transaction.PendingBlockchainTransaction{
		Hash:      m.Hash,
		From:      m.FromAddress,
		To:        m.ToAddress,
		Currency:  currency.Code(m.Currency),
		Value:     m.Value,
		Fee:       m.Fee,
		Erc20Op:   opToDomain(m.Erc20Op),
		CreatedAt: m.CreatedAt,
	}
}

func mapChainTxToModel(b *transaction.BlockchainTransaction) BlockchainTransaction {
	return BlockchainTransaction{
		Hash:          b.Hash,
		Currency:      string(b.Currency),
		FromEntries:   Entries(b.From),
		ToEntries:     Entries(b.To),
		Block:         b.Block,
		Value:         b.Value,
		Fee:           b.Fee,
		Confirmations: b.Confirmations,
		Erc20Op:       opToModel(b.Erc20Op),
		CreatedAt:     b.CreatedAt,
	}
}

func mapChainTxToDomain(m *BlockchainTransaction) *transaction.BlockchainTransaction {
	return &transaction.BlockchainTransaction{
		Hash:          m.Hash,
		Currency:      currency.Code(m.Currency),
		From:          []chain.Entry(m.FromEntries),
		To:            []chain.Entry(m.ToEntries),
		Block:         m.Block,
		Value:         m.Value,
		Fee:           m.Fee,
		Confirmations: m.Confirmations,
		Erc20Op:       opToDomain(m.Erc20Op),
		CreatedAt:     m.CreatedAt,
	}
}
