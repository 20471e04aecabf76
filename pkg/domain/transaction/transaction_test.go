package transaction_test

import (
	"testing"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain/chain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transaction"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsToDone(t *testing.T) {
	tx := transaction.New(transaction.Draft{
		GID:         uuid.New(),
		DrAccountID: uuid.New(),
		CrAccountID: uuid.New(),
		Currency:    currency.BTC,
		Value:       money.New(10),
		Kind:        transaction.KindInternal,
		GroupKind:   transaction.GroupInternal,
	})
	assert.Equal(t, transaction.StatusDone, tx.Status)
	assert.NotEqual(t, uuid.Nil, tx.ID)
	assert.False(t, tx.HasBlockchainTx())
	assert.ErrorIs(t, tx.MarkDone(), transaction.ErrInvalidTransition)
}

func TestMarkDone(t *testing.T) {
	tx := transaction.New(transaction.Draft{
		Status:         transaction.StatusPending,
		Kind:           transaction.KindWithdrawal,
		BlockchainTxID: transaction.StrPtr("0xabc"),
	})
	require.True(t, tx.IsPending())
	assert.True(t, tx.HasBlockchainTx())
	require.NoError(t, tx.MarkDone())
	assert.Equal(t, transaction.StatusDone, tx.Status)
}

func TestMetadataHelpers(t *testing.T) {
	tx := transaction.New(transaction.Draft{Metadata: map[string]any{
		transaction.MetaPartial:     true,
		transaction.MetaUnpaidValue: "500",
	}})
	assert.True(t, tx.MetaBool(transaction.MetaPartial))
	assert.Equal(t, "500", tx.MetaString(transaction.MetaUnpaidValue))
	assert.Empty(t, tx.MetaString(transaction.MetaExchangeID))
	assert.False(t, transaction.New(transaction.Draft{}).MetaBool(transaction.MetaPartial))
}

func TestNewBlockchainTransaction(t *testing.T) {
	ev := &chain.Normalized{Event: chain.Event{
		Hash:     "0x1",
		Currency: currency.ETH,
		From:     []chain.Entry{{Address: "a", Value: money.New(3)}},
		To:       []chain.Entry{{Address: "b", Value: money.New(3)}},
		Fee:      money.New(1),
	}}
	rec := transaction.NewBlockchainTransaction(ev)
	assert.Equal(t, "a", rec.FirstFrom())
	assert.Equal(t, "b", rec.FirstTo())
	assert.Equal(t, "1", rec.Fee.String())
	assert.Empty(t, (&transaction.BlockchainTransaction{}).FirstFrom())
}
