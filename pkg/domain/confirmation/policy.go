// Package confirmation decides how many chain confirmations an incoming value
// needs before it is treated as final.
package confirmation

import (
	"math/big"
	"sort"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/money"
)

var (
	bitcoinThresholds = []int64{100, 1000, 5000}
	evmThresholds     = []int64{10, 50, 100, 500, 1000, 5000, 10000, 50000, 100000}

	// approximate USD value of one whole coin
	defaultUSDRates = map[currency.Code]int64{
		currency.BTC:  10_000,
		currency.ETH:  200,
		currency.USDT: 1,
	}
)

// Policy maps a value to a confirmation count through USD tiers.
// Higher value means more confirmations.
type Policy struct {
	usdRates   map[currency.Code]int64
	thresholds map[currency.Family][]int64
}

// Default returns the built-in tier tables.
func Default() *Policy {
	return &Policy{
		usdRates: defaultUSDRates,
		thresholds: map[currency.Family][]int64{
			currency.FamilyBitcoin: bitcoinThresholds,
			currency.FamilyEVM:     evmThresholds,
		},
	}
}

// USD approximates value in whole dollars using integer arithmetic only.
func (p *Policy) USD(code currency.Code, value money.Amount) *big.Int {
	rate := big.NewInt(p.usdRates[code])
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(code.Decimals())), nil)
	usd := new(big.Int).Mul(value.Big(), rate)
	return usd.Quo(usd, scale)
}

// Required returns the smallest tier index whose threshold covers the USD
// value, or the table length when none does. Unknown currencies always get
// the strictest EVM tier.
func (p *Policy) Required(code currency.Code, value money.Amount) int {
	table, ok := p.thresholds[code.Family()]
	if !ok || !code.Valid() {
		return len(evmThresholds)
	}
	usd := p.USD(code, value)
	if !usd.IsInt64() {
		return len(table)
	}
	v := usd.Int64()
	return sort.Search(len(table), func(i int) bool { return table[i] >= v })
}

// Satisfied reports whether confirmations meet the requirement for value.
func (p *Policy) Satisfied(code currency.Code, value money.Amount, confirmations uint64) bool {
	return confirmations >= uint64(p.Required(code, value))
}
