package auction

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest amount a token ledger can express (2^128 - 1).
var MaxAmount = Amount{d: decimal.NewFromBigInt(
	new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)), 0,
)}

// ZeroAmount is the amount held by the sentinel bid seeded at initialization.
var ZeroAmount = Amount{d: decimal.Zero}

// Amount is an unsigned 128-bit token quantity in the ledger's smallest unit.
// The zero value is a valid zero amount.
type Amount struct {
	d decimal.Decimal
}

// NewAmount builds an Amount from a machine integer.
func NewAmount(v uint64) Amount {
	return Amount{d: decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)}
}

// ParseAmount parses a base-10 integer string in [0, 2^128-1].
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	return fromDecimal(d)
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	switch {
	case !d.IsInteger():
		return Amount{}, fmt.Errorf("%w: %s has a fractional part", ErrInvalidAmount, d)
	case d.IsNegative():
		return Amount{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d)
	case d.GreaterThan(MaxAmount.d):
		return Amount{}, fmt.Errorf("%w: %s exceeds 2^128-1", ErrInvalidAmount, d)
	}
	return Amount{d: d.Truncate(0)}, nil
}

func (a Amount) IsZero() bool { return a.d.IsZero() }

// Cmp returns -1, 0 or +1 like big.Int.Cmp.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }

func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

func (a Amount) String() string { return a.d.String() }

// BigInt returns the amount as a newly allocated big.Int.
func (a Amount) BigInt() *big.Int { return a.d.BigInt() }

// MarshalJSON encodes the amount as a quoted integer, the usual wire form for u128.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	parsed, err := fromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer; amounts are stored as NUMERIC(39,0).
func (a Amount) Value() (driver.Value, error) {
	return a.d.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return err
	}
	parsed, err := fromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
