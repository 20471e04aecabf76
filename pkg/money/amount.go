package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/shopspring/decimal"
	"lukechampine.com/uint128"
)

var (
	// ErrFormat is returned when a literal is not a non-negative integer within 128 bits
	ErrFormat = errors.New("invalid amount format")
	// ErrInvalidRate is returned for NaN, infinite or negative conversion rates
	ErrInvalidRate = errors.New("invalid conversion rate")
)

// Amount is a non-negative monetary value in the smallest unit of its currency
// (satoshi, wei, ...).
//
// Invariants:
//   - never negative, never wider than 128 bits;
//   - combination goes through the Checked* methods, which report overflow,
//     underflow and division by zero instead of wrapping or panicking.
type Amount struct {
	v uint128.Uint128
}

// Zero is the zero Amount.
var Zero = Amount{}

// New returns the Amount for a uint64 value.
func New(v uint64) Amount {
	return Amount{v: uint128.From64(v)}
}

// FromBig converts i, failing with ErrFormat when i is negative or wider than 128 bits.
func FromBig(i *big.Int) (Amount, error) {
	if i == nil || i.Sign() < 0 || i.BitLen() > 128 {
		return Zero, fmt.Errorf("%w: %v", ErrFormat, i)
	}
	return Amount{v: uint128.FromBig(new(big.Int).Set(i))}, nil
}

// Parse decodes a base-10 integer literal. Signs, fractions, exponents and
// whitespace are rejected.
func Parse(s string) (Amount, error) {
	if s == "" {
		return Zero, fmt.Errorf("%w: empty literal", ErrFormat)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return Zero, fmt.Errorf("%w: %q", ErrFormat, s)
		}
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Zero, fmt.Errorf("%w: %q", ErrFormat, s)
	}
	return FromBig(i)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(b.v) }

// Equal reports whether a == b.
func (a Amount) Equal(b Amount) bool { return a.v.Equals(b.v) }

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.v.Cmp(b.v) < 0 }

// Big returns a as a new big.Int.
func (a Amount) Big() *big.Int { return a.v.Big() }

// Decimal returns a as a scale-0 decimal.
func (a Amount) Decimal() decimal.Decimal { return decimal.NewFromBigInt(a.v.Big(), 0) }

// String returns the base-10 representation.
func (a Amount) String() string { return a.v.String() }

// CheckedAdd returns a+b, or false on overflow.
func (a Amount) CheckedAdd(b Amount) (Amount, bool) {
	sum := a.v.AddWrap(b.v)
	if sum.Cmp(a.v) < 0 {
		return Zero, false
	}
	return Amount{v: sum}, true
}

// CheckedSub returns a-b, or false when b > a.
func (a Amount) CheckedSub(b Amount) (Amount, bool) {
	if a.v.Cmp(b.v) < 0 {
		return Zero, false
	}
	return Amount{v: a.v.SubWrap(b.v)}, true
}

// CheckedMul returns a*b, or false on overflow.
func (a Amount) CheckedMul(b Amount) (Amount, bool) {
	p := new(big.Int).Mul(a.v.Big(), b.v.Big())
	if p.BitLen() > 128 {
		return Zero, false
	}
	return Amount{v: uint128.FromBig(p)}, true
}

// CheckedDiv returns the truncated quotient a/b, or false when b is zero.
func (a Amount) CheckedDiv(b Amount) (Amount, bool) {
	if b.v.IsZero() {
		return Zero, false
	}
	return Amount{v: a.v.Div(b.v)}, true
}

// MulDiv returns a*num/den truncated, computed without intermediate overflow.
func (a Amount) MulDiv(num, den Amount) (Amount, bool) {
	if den.v.IsZero() {
		return Zero, false
	}
	p := new(big.Int).Mul(a.v.Big(), num.v.Big())
	p.Quo(p, den.v.Big())
	if p.BitLen() > 128 {
		return Zero, false
	}
	return Amount{v: uint128.FromBig(p)}, true
}

// Sum adds all values, or returns false on overflow.
func Sum(values ...Amount) (Amount, bool) {
	total := Zero
	for _, v := range values {
		var ok bool
		if total, ok = total.CheckedAdd(v); !ok {
			return Zero, false
		}
	}
	return total, true
}

// Convert re-quantizes value from one currency to another using a floating rate
// (units of `to` per unit of `from`). The result is truncated to the smallest
// unit of `to`. Only use it for estimates.
func Convert(value Amount, from, to currency.Code, rate float64) (Amount, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	shift := int32(to.Decimals() - from.Decimals())
	converted := value.Decimal().
		Mul(decimal.NewFromFloat(rate)).
		Shift(shift).
		Truncate(0)
	return FromBig(converted.BigInt())
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalJSON encodes the amount as a JSON string so no precision is lost.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a JSON string or an integer literal.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return a.UnmarshalText([]byte(s))
	}
	return a.UnmarshalText(data)
}

// Value implements driver.Valuer for NUMERIC(39,0) columns.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC(39,0) columns. A fractional part,
// a negative sign or a value wider than 128 bits is a format error.
func (a *Amount) Scan(src any) error {
	var d decimal.Decimal
	var err error
	switch v := src.(type) {
	case nil:
		return fmt.Errorf("%w: NULL", ErrFormat)
	case []byte:
		d, err = decimal.NewFromString(string(v))
	case string:
		d, err = decimal.NewFromString(v)
	case int64:
		d = decimal.NewFromInt(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v", ErrFormat, v)
		}
		d = decimal.NewFromFloat(v)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrFormat, src)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if d.Sign() < 0 || !d.IsInteger() {
		return fmt.Errorf("%w: %s", ErrFormat, d.String())
	}
	v, err := FromBig(d.BigInt())
	if err != nil {
		return err
	}
	*a = v
	return nil
}
