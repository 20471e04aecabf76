package account

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
	// ErrAccountNotFound is returned when an account does not exist
	ErrAccountNotFound = fmt.Errorf("account %w", domain.ErrNotFound)
	// ErrInvalidKind is returned for a kind other than Cr or Dr
	ErrInvalidKind = errors.New("invalid account kind")
	// ErrInsufficientFunds is returned when a row would take an account below zero
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNotOwner is returned when a user acts on an account they do not own
	ErrNotOwner = fmt.Errorf("account does not belong to user: %w", domain.ErrUnauthorized)
	// ErrMissingAddress is returned when an account has no blockchain address
	ErrMissingAddress = errors.New("account address is required")
)

// Kind is the bookkeeping role of an account. It never changes after creation.
type Kind string

const (
	// KindCr faces internal counterparties. Credits increase its balance.
	KindCr Kind = "cr"
	// KindDr custodies on-chain funds. Debits increase its balance.
	KindDr Kind = "dr"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindCr || k == KindDr }

// Opposite returns the other side of the pair.
func (k Kind) Opposite() Kind {
	if k == KindCr {
		return KindDr
	}
	return KindCr
}

// Purpose marks accounts owned by the ledger itself.
type Purpose string

const (
	PurposeNone Purpose = ""
	// PurposeLiquidity is the counterparty of cross-currency transfers.
	PurposeLiquidity Purpose = "liquidity"
	// PurposeFees collects fee charges (Cr side) and pays network fees (Dr side).
	PurposeFees Purpose = "fees"
)

// Account is one side of a user's ledger position in a currency.
// Its balance is derived from transactions and is never stored.
type Account struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Currency      currency.Code
	Kind          Kind
	Address       string
	Name          *string
	ERC20Approved bool
	Purpose       Purpose
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsSystem reports whether the account belongs to the ledger itself.
func (a *Account) IsSystem() bool { return a.Purpose != PurposeNone }

// Credits returns whether a credit of the given value increases the balance.
func (a *Account) Credits() bool { return a.Kind == KindCr }

// Balance folds the totals of an account's rows into its derived balance:
// credits minus debits for Cr accounts, debits minus credits for Dr accounts.
// A negative result breaks the ledger invariant and is reported as ErrBalanceOverflow.
func Balance(kind Kind, debits, credits money.Amount) (money.Amount, error) {
	var (
		b  money.Amount
		ok bool
	)
	switch kind {
	case KindCr:
		b, ok = credits.CheckedSub(debits)
	case KindDr:
		b, ok = debits.CheckedSub(credits)
	default:
		return money.Zero, ErrInvalidKind
	}
	if !ok {
		return money.Zero, fmt.Errorf("negative %s balance: %w", kind, domain.ErrBalanceOverflow)
	}
	return b, nil
}

// Funds is an account together with its derived balance.
type Funds struct {
	Account *Account
	Balance money.Amount
}

// ValidateOwner checks the account belongs to userID.
func (a *Account) ValidateOwner(userID uuid.UUID) error {
	if a.UserID != userID {
		return ErrNotOwner
	}
	return nil
}

// Builder provides a fluent API for constructing Account instances
type Builder struct {
	acc Account
}

// New starts building an account with a fresh id.
func New() *Builder {
	now := time.Now().UTC()
	return &Builder{acc: Account{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}}
}

func (b *Builder) WithID(id uuid.UUID) *Builder {
	b.acc.ID = id
	return b
}

func (b *Builder) WithUserID(userID uuid.UUID) *Builder {
	b.acc.UserID = userID
	return b
}

func (b *Builder) WithCurrency(code currency.Code) *Builder {
	b.acc.Currency = code
	return b
}

func (b *Builder) WithKind(kind Kind) *Builder {
	b.acc.Kind = kind
	return b
}

func (b *Builder) WithAddress(address string) *Builder {
	b.acc.Address = address
	return b
}

func (b *Builder) WithName(name string) *Builder {
	if name != "" {
		b.acc.Name = &name
	}
	return b
}

func (b *Builder) WithPurpose(p Purpose) *Builder {
	b.acc.Purpose = p
	return b
}

func (b *Builder) WithERC20Approved(approved bool) *Builder {
	b.acc.ERC20Approved = approved
	return b
}

// Build validates and returns the account.
func (b *Builder) Build() (*Account, error) {
	if b.acc.UserID == uuid.Nil {
		return nil, domain.NewValidationError(nil, domain.FieldError{Field: "user_id", Message: "is required"})
	}
	if !b.acc.Currency.Valid() {
		return nil, domain.NewValidationError(currency.ErrUnsupported, domain.FieldError{Field: "currency", Message: "is not supported"})
	}
	if !b.acc.Kind.Valid() {
		return nil, domain.NewValidationError(ErrInvalidKind, domain.FieldError{Field: "kind", Message: "must be cr or dr"})
	}
	if b.acc.Address == "" {
		return nil, domain.NewValidationError(ErrMissingAddress, domain.FieldError{Field: "address", Message: "is required"})
	}
	acc := b.acc
	return &acc, nil
}

// NewPair builds the Cr/Dr pair representing one position of a user in a currency.
// Both sides share the custody address.
func NewPair(userID uuid.UUID, code currency.Code, address, name string, purpose Purpose) (cr, dr *Account, err error) {
	cr, err = New().WithUserID(userID).WithCurrency(code).WithKind(KindCr).
		WithAddress(address).WithName(name).WithPurpose(purpose).Build()
	if err != nil {
		return nil, nil, err
	}
	dr, err = New().WithUserID(userID).WithCurrency(code).WithKind(KindDr).
		WithAddress(address).WithName(name).WithPurpose(purpose).Build()
	if err != nil {
		return nil, nil, err
	}
	return cr, dr, nil
}
