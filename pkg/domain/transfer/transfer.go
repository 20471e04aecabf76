package transfer

import (
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/google/uuid"
)

// Shape is the classifier's verdict on how a request is executed.
type Shape string

const (
	ShapeInternal           Shape = "internal"
	ShapeInternalExchange   Shape = "internal_exchange"
	ShapeWithdrawal         Shape = "withdrawal"
	ShapeWithdrawalExchange Shape = "withdrawal_exchange"
)

// IsExchange reports whether the shape converts between currencies.
func (s Shape) IsExchange() bool {
	return s == ShapeInternalExchange || s == ShapeWithdrawalExchange
}

// IsWithdrawal reports whether the shape pays out on chain.
func (s Shape) IsWithdrawal() bool {
	return s == ShapeWithdrawal || s == ShapeWithdrawalExchange
}

// Exchange identifies a quoted conversion at the exchange service.
type Exchange struct {
	ID   string
	Rate float64
}

// Classification is a validated request with its resolved accounts.
type Classification struct {
	Shape  Shape
	UserID uuid.UUID
	Source *account.Account
	// Recipient is set for internal shapes.
	Recipient *account.Account
	// ToAddress is the normalized payout address for withdrawal shapes.
	ToAddress string
	// Currency is what the recipient receives.
	Currency currency.Code
	// Value is denominated in the source currency.
	Value    money.Amount
	Exchange *Exchange
}

// Endpoint is one side of a transfer as a user sees it.
type Endpoint struct {
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	Address   string     `json:"address,omitempty"`
}

// Transfer is the user-facing view of a transaction group.
type Transfer struct {
	GID        uuid.UUID             `json:"gid"`
	Kind       transaction.GroupKind `json:"kind"`
	Status     transaction.Status    `json:"status"`
	UserID     uuid.UUID             `json:"user_id"`
	From       Endpoint              `json:"from"`
	To         Endpoint              `json:"to"`
	Currency   currency.Code         `json:"currency"`
	Value      money.Amount          `json:"value"`
	ToCurrency currency.Code         `json:"to_currency,omitempty"`
	ToValue    *money.Amount         `json:"to_value,omitempty"`
	Fee        *money.Amount         `json:"fee,omitempty"`
	Hashes     []string              `json:"hashes,omitempty"`
	Partial    bool                  `json:"partial,omitempty"`
	Unpaid     *money.Amount         `json:"unpaid_value,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}
