package transaction

import (
	"fmt"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/money"
)

// ErrPendingNotFound is returned when no broadcast record exists for a hash
var ErrPendingNotFound = fmt.Errorf("pending blockchain transaction %w", domain.ErrNotFound)

// PendingBlockchainTransaction records an outbound broadcast until the chain
// reports it back.
type PendingBlockchainTransaction struct {
	Hash      string
	From      string
	To        string
	Currency  currency.Code
	Value     money.Amount
	Fee       money.Amount
	Erc20Op   *chain.Erc20Op
	CreatedAt time.Time
}

// BlockchainTransaction is the permanent record of a reconciled chain event.
type BlockchainTransaction struct {
	Hash          string
	Currency      currency.Code
	From          []chain.Entry
	To            []chain.Entry
	Block         uint64
	Value         money.Amount
	Fee           money.Amount
	Confirmations uint64
	Erc20Op       *chain.Erc20Op
	CreatedAt     time.Time
}

// NewBlockchainTransaction copies a normalized event into its permanent record.
func NewBlockchainTransaction(ev *chain.Normalized) *BlockchainTransaction {
	return &BlockchainTransaction{
		Hash:          ev.Hash,
		Currency:      ev.Currency,
		From:          ev.From,
		To:            ev.To,
		Block:         ev.Block,
		Value:         ev.Value,
		Fee:           ev.Fee,
		Confirmations: ev.Confirmations,
		Erc20Op:       ev.Erc20Op,
		CreatedAt:     time.Now().UTC(),
	}
}

// FirstFrom returns the first input address, or "" for a coinbase-like event.
func (b *BlockchainTransaction) FirstFrom() string {
	if len(b.From) == 0 {
		return ""
	}
	return b.From[0].Address
}

// FirstTo returns the first output address.
func (b *BlockchainTransaction) FirstTo() string {
	if len(b.To) == 0 {
		return ""
	}
	return b.To[0].Address
}

// SeenHash marks a (hash, currency) event as fully processed.
type SeenHash struct {
	Hash      string
	Currency  currency.Code
	CreatedAt time.Time
}

// StrangeTransaction is a quarantined chain event kept verbatim for review.
type StrangeTransaction struct {
	Hash      string
	Currency  currency.Code
	Payload   []byte
	Reason    string
	CreatedAt time.Time
}
