package currency_test

import (
	"testing"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    currency.Code
		wantErr bool
	}{
		{"btc", currency.BTC, false},
		{" ETH ", currency.ETH, false},
		{"Usdt", currency.USDT, false},
		{"USD", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := currency.Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, currency.ErrUnsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMeta(t *testing.T) {
	assert.Equal(t, 8, currency.BTC.Decimals())
	assert.Equal(t, 18, currency.ETH.Decimals())
	assert.True(t, currency.USDT.IsERC20())
	assert.False(t, currency.ETH.IsERC20())
	assert.Equal(t, currency.ETH, currency.USDT.FeeCurrency())
	assert.Equal(t, currency.FamilyEVM, currency.USDT.Family())
	assert.Equal(t, []currency.Code{currency.BTC, currency.ETH, currency.USDT}, currency.Supported())
}

func TestAddressValidator_Normalize(t *testing.T) {
	v, err := currency.NewAddressValidator("mainnet")
	require.NoError(t, err)

	tests := []struct {
		name    string
		code    currency.Code
		address string
		want    string
		wantErr bool
	}{
		{"evm lowercase is checksummed", currency.ETH, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"erc20 uses evm format", currency.USDT, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
		{"evm garbage", currency.ETH, "0x1234", "", true},
		{"btc p2pkh", currency.BTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", false},
		{"btc address for evm", currency.ETH, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "", true},
		{"evm address for btc", currency.BTC, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "", true},
		{"unsupported currency", currency.Code("DOGE"), "D8vFz4p1L37jdg47HXKtSHA5uYLYxbGgPD", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Normalize(tt.code, tt.address)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewAddressValidator_UnknownNetwork(t *testing.T) {
	_, err := currency.NewAddressValidator("moonnet")
	assert.Error(t, err)
}
