package ledger_test

import (
	"testing"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/account"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/service/ledger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func funds(balances ...uint64) []account.Funds {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]account.Funds, len(balances))
	for i, b := range balances {
		out[i] = account.Funds{
			Account: &account.Account{ID: uuid.New(), Kind: account.KindDr, CreatedAt: base.Add(time.Duration(i) * time.Hour)},
			Balance: money.New(b),
		}
	}
	return out
}

func amounts(allocs []ledger.Allocation) []string {
	out := make([]string, len(allocs))
	for i, a := range allocs {
		out[i] = a.Amount.String()
	}
	return out
}

func TestSelectFunds(t *testing.T) {
	tests := []struct {
		name    string
		funds   []account.Funds
		value   uint64
		fee     uint64
		want    []string
		wantErr error
	}{
		{name: "single account covers", funds: funds(100, 500, 300), value: 400, fee: 10, want: []string{"400"}},
		{name: "largest first", funds: funds(100, 500, 300), value: 700, fee: 10, want: []string{"490", "210"}},
		{name: "exact spendable", funds: funds(60, 40), value: 80, fee: 10, want: []string{"50", "30"}},
		{name: "accounts at or below the fee are skipped", funds: funds(10, 5, 50), value: 40, fee: 10, want: []string{"40"}},
		{name: "fee reserve makes it short", funds: funds(100, 100), value: 190, fee: 10, wantErr: account.ErrInsufficientFunds},
		{name: "no funds", funds: nil, value: 1, wantErr: account.ErrInsufficientFunds},
		{name: "zero value", funds: funds(100), value: 0, wantErr: transfer.ErrInvalidValue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ledger.SelectFunds(tc.funds, money.New(tc.value), money.New(tc.fee))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, amounts(got))
		})
	}
}

func TestSelectFunds_TieBreakIsStable(t *testing.T) {
	fs := funds(200, 200, 200)
	got, err := ledger.SelectFunds(fs, money.New(300), money.Zero)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fs[0].Account.ID, got[0].Account.ID)
	assert.Equal(t, fs[1].Account.ID, got[1].Account.ID)
}
