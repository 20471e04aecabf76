package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/google/uuid"
)

var (
	// ErrTransactionNotFound is returned when no row matches
	ErrTransactionNotFound = fmt.Errorf("transaction %w", domain.ErrNotFound)
	// ErrInvalidTransaction is returned for malformed rows or groups
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrInvalidTransition is returned for any status change other than Pending to Done
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCurrencyMismatch is returned when a row and its accounts disagree on currency
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrAccountMismatch is returned when a row references different accounts than given
	ErrAccountMismatch = errors.New("account mismatch")
)

// Status of a ledger row.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

// Kind describes what a single row does.
type Kind string

const (
	KindFee              Kind = "fee"
	KindBlockchainFee    Kind = "blockchain_fee"
	KindMultiFrom        Kind = "multi_from"
	KindMultiTo          Kind = "multi_to"
	KindInternal         Kind = "internal"
	KindDeposit          Kind = "deposit"
	KindWithdrawal       Kind = "withdrawal"
	KindApprovalTransfer Kind = "approval_transfer"
)

// GroupKind describes the logical transfer a gid stands for.
type GroupKind string

const (
	GroupDeposit         GroupKind = "deposit"
	GroupInternal        GroupKind = "internal"
	GroupInternalMulti   GroupKind = "internal_multi"
	GroupWithdrawal      GroupKind = "withdrawal"
	GroupWithdrawalMulti GroupKind = "withdrawal_multi"
	GroupApproval        GroupKind = "approval"
)

// Metadata keys written on rows.
const (
	MetaPartial       = "partial"
	MetaUnpaidValue   = "unpaid_value"
	MetaFailureReason = "failure_reason"
	MetaExchangeID    = "exchange_id"
	MetaExchangeRate  = "exchange_rate"
	MetaToAddress     = "to_address"
)

// Transaction is one double-entry row: value leaves the Dr-role account and
// reaches the Cr-role account in a single currency. Rows sharing a GID form
// one user-visible transfer. Only Status and BlockchainTxID change after insert.
type Transaction struct {
	ID             uuid.UUID
	GID            uuid.UUID
	UserID         uuid.UUID
	DrAccountID    uuid.UUID
	CrAccountID    uuid.UUID
	Currency       currency.Code
	Value          money.Amount
	Status         Status
	Kind           Kind
	GroupKind      GroupKind
	BlockchainTxID *string
	RelatedTx      *uuid.UUID
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Draft carries the fields a caller chooses for a new row.
type Draft struct {
	GID            uuid.UUID
	UserID         uuid.UUID
	DrAccountID    uuid.UUID
	CrAccountID    uuid.UUID
	Currency       currency.Code
	Value          money.Amount
	Status         Status
	Kind           Kind
	GroupKind      GroupKind
	BlockchainTxID *string
	RelatedTx      *uuid.UUID
	Metadata       map[string]any
}

// New creates a row from a draft. Status defaults to Done.
func New(d Draft) *Transaction {
	now := time.Now().UTC()
	status := d.Status
	if status == "" {
		status = StatusDone
	}
	return &Transaction{
		ID:             uuid.New(),
		GID:            d.GID,
		UserID:         d.UserID,
		DrAccountID:    d.DrAccountID,
		CrAccountID:    d.CrAccountID,
		Currency:       d.Currency,
		Value:          d.Value,
		Status:         status,
		Kind:           d.Kind,
		GroupKind:      d.GroupKind,
		BlockchainTxID: d.BlockchainTxID,
		RelatedTx:      d.RelatedTx,
		Metadata:       d.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsPending reports whether the row awaits chain settlement.
func (t *Transaction) IsPending() bool { return t.Status == StatusPending }

// HasBlockchainTx reports whether a chain hash is attached.
func (t *Transaction) HasBlockchainTx() bool {
	return t.BlockchainTxID != nil && *t.BlockchainTxID != ""
}

// MarkDone moves a pending row to Done.
func (t *Transaction) MarkDone() error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, StatusDone)
	}
	t.Status = StatusDone
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MetaBool reads a boolean metadata flag.
func (t *Transaction) MetaBool(key string) bool {
	v, ok := t.Metadata[key].(bool)
	return ok && v
}

// MetaString reads a string metadata value.
func (t *Transaction) MetaString(key string) string {
	v, _ := t.Metadata[key].(string)
	return v
}

// StrPtr is a convenience for optional string fields.
func StrPtr(s string) *string { return &s }
