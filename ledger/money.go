/*
money.go - Fixed-point money arithmetic

PURPOSE:
  Money is the only numeric type allowed in balance math. It stores an
  integer number of cents, so addition and subtraction are exact and
  floating-point drift cannot creep into ledger balances.

WHY NOT float64?
  0.1 + 0.2 != 0.3 in IEEE 754. A ledger that drifts by a cent per
  thousand operations is a ledger nobody can reconcile.

WHY NOT decimal everywhere?
  shopspring/decimal is exact but heap-allocates and is awkward as a map
  key or struct field compared at rest. Cents-as-int64 keeps comparisons
  and invariant checks trivial. Decimal is used at the edges: parsing
  user input ("120.50") and formatting output.

USAGE:
  fee := ledger.Cents(12050)           // $120.50
  fee, err := ledger.ParseMoney("120.50")
  total := fee.MulInt(3)               // $361.50
  total.String()                       // "361.50"

SEE ALSO:
  - types.go: Charge/Payment fields using Money
  - engine.go: All balance arithmetic
*/
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an exact monetary amount stored as integer cents.
// The zero value is $0.00 and ready to use.
type Money struct {
	cents int64
}

// Cents constructs a Money from an integer number of cents.
func Cents(c int64) Money { return Money{cents: c} }

// Zero is the additive identity.
var Zero = Money{}

// ParseMoney parses a decimal string like "120.50" into Money.
// Amounts with more than two fractional digits are rejected rather
// than rounded: the caller is stating an exact amount of cents.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal amount to Money.
func FromDecimal(d decimal.Decimal) (Money, error) {
	scaled := d.Mul(decimal.NewFromInt(100))
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("amount %s has sub-cent precision", d.String())
	}
	return Money{cents: scaled.IntPart()}, nil
}

// Cents returns the raw cent count.
func (m Money) Cents() int64 { return m.cents }

// Decimal returns the amount as an exact decimal (dollars).
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.cents, -2)
}

func (m Money) Add(b Money) Money      { return Money{cents: m.cents + b.cents} }
func (m Money) Sub(b Money) Money      { return Money{cents: m.cents - b.cents} }
func (m Money) MulInt(n int64) Money   { return Money{cents: m.cents * n} }
func (m Money) Neg() Money             { return Money{cents: -m.cents} }
func (m Money) IsZero() bool           { return m.cents == 0 }
func (m Money) IsPositive() bool       { return m.cents > 0 }
func (m Money) IsNegative() bool       { return m.cents < 0 }
func (m Money) Equal(b Money) bool     { return m.cents == b.cents }
func (m Money) LessThan(b Money) bool  { return m.cents < b.cents }
func (m Money) GreaterThan(b Money) bool { return m.cents > b.cents }

func (m Money) Min(b Money) Money {
	if m.cents < b.cents {
		return m
	}
	return b
}

func (m Money) Max(b Money) Money {
	if m.cents > b.cents {
		return m
	}
	return b
}

// String formats the amount as a plain decimal, e.g. "120.50" or "-3.07".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// MarshalJSON emits the amount as a decimal string plus raw cents so
// clients never have to do float math to display or compare it.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount string `json:"amount"`
		Cents  int64  `json:"cents"`
	}{Amount: m.String(), Cents: m.cents})
}

// UnmarshalJSON accepts either the object form produced by MarshalJSON
// or a bare decimal string ("120.50").
func (m *Money) UnmarshalJSON(data []byte) error {
	var obj struct {
		Amount string `json:"amount"`
		Cents  *int64 `json:"cents"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && (obj.Cents != nil || obj.Amount != "") {
		if obj.Cents != nil {
			m.cents = *obj.Cents
			return nil
		}
		parsed, err := ParseMoney(obj.Amount)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("money: expected string or object, got %s", string(data))
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// SumMoney totals a slice of amounts.
func SumMoney(amounts []Money) Money {
	var total Money
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
