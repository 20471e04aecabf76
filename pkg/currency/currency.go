package currency

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Family groups currencies that share an address format and a signing flow.
type Family string

const (
	FamilyBitcoin Family = "bitcoin"
	FamilyEVM     Family = "evm"
)

// Code is a ticker of a tracked currency (e.g., "BTC", "ETH").
type Code string

const (
	BTC  Code = "BTC"
	ETH  Code = "ETH"
	USDT Code = "USDT"
)

var (
	// ErrUnsupported is returned for a currency the ledger does not track
	ErrUnsupported = errors.New("unsupported currency")
	// ErrInvalidAddress is returned when an address does not parse for the currency family
	ErrInvalidAddress = errors.New("invalid address")
)

// Meta holds currency-specific metadata
type Meta struct {
	Code     Code
	Decimals int
	Family   Family
	// ERC20 tokens need an allowance before the hot wallet can move them.
	ERC20 bool
	// FeeCurrency is the currency network fees are paid in.
	FeeCurrency Code
}

var metas = map[Code]Meta{
	BTC:  {Code: BTC, Decimals: 8, Family: FamilyBitcoin, FeeCurrency: BTC},
	ETH:  {Code: ETH, Decimals: 18, Family: FamilyEVM, FeeCurrency: ETH},
	USDT: {Code: USDT, Decimals: 6, Family: FamilyEVM, ERC20: true, FeeCurrency: ETH},
}

// Parse normalizes s and returns the matching Code.
func Parse(s string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := metas[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	return c, nil
}

// Supported returns every tracked currency, sorted.
func Supported() []Code {
	out := make([]Code, 0, len(metas))
	for c := range metas {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Code) String() string { return string(c) }

// Meta returns the metadata of c.
func (c Code) Meta() (Meta, bool) {
	m, ok := metas[c]
	return m, ok
}

// Valid reports whether c is a tracked currency.
func (c Code) Valid() bool {
	_, ok := metas[c]
	return ok
}

// Decimals returns the number of decimal places of the smallest unit.
func (c Code) Decimals() int {
	return metas[c].Decimals
}

// Family returns the chain family of c.
func (c Code) Family() Family {
	return metas[c].Family
}

// IsERC20 reports whether c is an ERC20 token.
func (c Code) IsERC20() bool {
	return metas[c].ERC20
}

// FeeCurrency returns the currency network fees for c are paid in.
func (c Code) FeeCurrency() Code {
	if m, ok := metas[c]; ok {
		return m.FeeCurrency
	}
	return c
}
