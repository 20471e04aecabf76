package account

import (
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/money"
	accountsvc "github.com/amirasaad/cryptoledger/pkg/service/account"
	"github.com/google/uuid"
)

// AccountDTO is the public view of one ledger account.
type AccountDTO struct {
	ID        uuid.UUID     `json:"id"`
	Currency  currency.Code `json:"currency"`
	Kind      account.Kind  `json:"kind"`
	Address   string        `json:"address"`
	Name      string        `json:"name,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// PositionDTO is the Cr/Dr pair created by an account opening.
type PositionDTO struct {
	Cr AccountDTO `json:"cr"`
	Dr AccountDTO `json:"dr"`
}

// BalanceDTO carries a derived balance in the smallest unit.
type BalanceDTO struct {
	AccountID uuid.UUID     `json:"account_id"`
	Currency  currency.Code `json:"currency"`
	Balance   money.Amount  `json:"balance"`
}

// ToAccountDTO maps a domain account.
func ToAccountDTO(a *account.Account) AccountDTO {
	dto := AccountDTO{
		ID:        a.ID,
		Currency:  a.Currency,
		Kind:      a.Kind,
		Address:   a.Address,
		CreatedAt: a.CreatedAt,
	}
	if a.Name != nil {
		dto.Name = *a.Name
	}
	return dto
}

// ToPositionDTO maps an opened position.
func ToPositionDTO(p *accountsvc.Position) PositionDTO {
	return PositionDTO{Cr: ToAccountDTO(p.Cr), Dr: ToAccountDTO(p.Dr)}
}

// ToBalanceDTO maps account funds.
func ToBalanceDTO(f account.Funds) BalanceDTO {
	return BalanceDTO{AccountID: f.Account.ID, Currency: f.Account.Currency, Balance: f.Balance}
}
