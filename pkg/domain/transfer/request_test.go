package transfer_test

import (
	"testing"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/domain"
	"github.com/amirasaad/cryptoledger/pkg/domain/transfer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() transfer.Request {
	return transfer.Request{
		SourceAccountID: uuid.NewString(),
		Recipient:       " 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed ",
		RecipientKind:   transfer.RecipientAddress,
		Currency:        "eth",
		Value:           "1000",
	}
}

func TestRequest_Parse(t *testing.T) {
	req := validRequest()
	req.ExchangeID = "ex-1"
	req.ExchangeRate = 0.5
	p, err := req.Parse()
	require.NoError(t, err)
	assert.Equal(t, currency.ETH, p.Currency)
	assert.Equal(t, "1000", p.Value.String())
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", p.Recipient)
	require.NotNil(t, p.Exchange)
	assert.Equal(t, "ex-1", p.Exchange.ID)
}

func TestRequest_ParseWithoutExchange(t *testing.T) {
	req := validRequest()
	req.ExchangeID = "ex-1"
	p, err := req.Parse()
	require.NoError(t, err)
	assert.Nil(t, p.Exchange)
}

func TestRequest_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *transfer.Request)
		field  string
	}{
		{"missing source", func(r *transfer.Request) { r.SourceAccountID = "" }, "source_account_id"},
		{"bad source", func(r *transfer.Request) { r.SourceAccountID = "abc" }, "source_account_id"},
		{"bad kind", func(r *transfer.Request) { r.RecipientKind = "email" }, "recipient_kind"},
		{"unsupported currency", func(r *transfer.Request) { r.Currency = "DOGE" }, "currency"},
		{"zero value", func(r *transfer.Request) { r.Value = "0" }, "value"},
		{"fractional value", func(r *transfer.Request) { r.Value = "1.5" }, "value"},
		{"negative value", func(r *transfer.Request) { r.Value = "-1" }, "value"},
		{"negative rate", func(r *transfer.Request) { r.ExchangeRate = -1 }, "exchange_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := req.Parse()
			require.ErrorIs(t, err, domain.ErrValidation)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			require.NotEmpty(t, ve.Fields)
			assert.Equal(t, tt.field, ve.Fields[0].Field)
		})
	}
}

func TestShape(t *testing.T) {
	assert.True(t, transfer.ShapeInternalExchange.IsExchange())
	assert.True(t, transfer.ShapeWithdrawalExchange.IsWithdrawal())
	assert.False(t, transfer.ShapeInternal.IsWithdrawal())
	assert.False(t, transfer.ShapeWithdrawal.IsExchange())
}
