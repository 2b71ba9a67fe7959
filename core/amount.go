package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// AmountFractionalBase is the number of fraction units in one value unit.
	AmountFractionalBase = 1_000_000
	// AmountFractionalDigits is the number of decimal digits of the fraction.
	AmountFractionalDigits = 6
	// MaxAmountValue is the largest representable value part.
	MaxAmountValue = 1 << 52
)

// Amount is a fixed point currency value. Fraction is counted in units of
// 1/AmountFractionalBase of the major unit.
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32
}

func NewAmount(currency string, value uint64, fraction uint32) Amount {
	return Amount{Currency: currency, Value: value, Fraction: fraction}.normalize()
}

func ZeroAmount(currency string) Amount {
	return Amount{Currency: currency}
}

func MaxAmount(currency string) Amount {
	return Amount{Currency: currency, Value: MaxAmountValue, Fraction: AmountFractionalBase - 1}
}

func (a Amount) normalize() Amount {
	a.Value += uint64(a.Fraction / AmountFractionalBase)
	a.Fraction %= AmountFractionalBase
	return a
}

func (a Amount) mustMatch(b Amount) {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("amount currency mismatch: %q vs %q", a.Currency, b.Currency))
	}
}

// Add returns the sum of a and others. When the result does not fit,
// the maximum amount is returned together with saturated = true.
func (a Amount) Add(others ...Amount) (sum Amount, saturated bool) {
	sum = a.normalize()
	if sum.Value > MaxAmountValue {
		return MaxAmount(a.Currency), true
	}

	for _, b := range others {
		a.mustMatch(b)
		b = b.normalize()
		if b.Value > MaxAmountValue {
			return MaxAmount(a.Currency), true
		}

		sum.Value += b.Value
		sum.Fraction += b.Fraction
		sum = sum.normalize()
		if sum.Value > MaxAmountValue {
			return MaxAmount(a.Currency), true
		}
	}

	return sum, false
}

// Sub subtracts others from a. When the result would be negative, zero is
// returned together with saturated = true.
func (a Amount) Sub(others ...Amount) (diff Amount, saturated bool) {
	diff = a.normalize()
	for _, b := range others {
		a.mustMatch(b)
		b = b.normalize()

		if diff.Fraction < b.Fraction {
			if diff.Value == 0 {
				return ZeroAmount(a.Currency), true
			}

			diff.Value--
			diff.Fraction += AmountFractionalBase
		}

		diff.Fraction -= b.Fraction
		if diff.Value < b.Value {
			return ZeroAmount(a.Currency), true
		}

		diff.Value -= b.Value
	}

	return diff, false
}

// Cmp compares a and b, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	a.mustMatch(b)
	a, b = a.normalize(), b.normalize()

	switch {
	case a.Value < b.Value:
		return -1
	case a.Value > b.Value:
		return 1
	case a.Fraction < b.Fraction:
		return -1
	case a.Fraction > b.Fraction:
		return 1
	default:
		return 0
	}
}

func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// Mult multiplies a by n, saturating like Add.
func (a Amount) Mult(n int) (Amount, bool) {
	if n <= 0 {
		return ZeroAmount(a.Currency), false
	}

	acc := ZeroAmount(a.Currency)
	for i := 0; i < n; i++ {
		var saturated bool
		if acc, saturated = acc.Add(a); saturated {
			return acc, true
		}
	}

	return acc, false
}

// MinAmount returns the smaller of a and b.
func MinAmount(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}

	return b
}

// SumAmounts adds up amounts, all of which must share currency.
func SumAmounts(currency string, amounts []Amount) (Amount, bool) {
	return ZeroAmount(currency).Add(amounts...)
}

func (a Amount) Decimal() decimal.Decimal {
	a = a.normalize()
	v := decimal.NewFromInt(int64(a.Value))
	return v.Add(decimal.New(int64(a.Fraction), -AmountFractionalDigits))
}

func (a Amount) String() string {
	if a.Currency == "" && a.IsZero() {
		return ""
	}

	return a.Currency + ":" + a.Decimal().String()
}

// ParseAmount parses the "CURRENCY:12.34" notation.
func ParseAmount(s string) (Amount, error) {
	currency, num, ok := strings.Cut(s, ":")
	if !ok || currency == "" || len(currency) > 11 {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	if d.IsNegative() {
		return Amount{}, fmt.Errorf("negative amount %q", s)
	}

	frac := d.Sub(d.Truncate(0)).Shift(AmountFractionalDigits)
	if !frac.IsInteger() {
		return Amount{}, fmt.Errorf("amount %q has too many fraction digits", s)
	}

	value := d.Truncate(0)
	if value.GreaterThan(decimal.NewFromInt(MaxAmountValue)) {
		return Amount{}, fmt.Errorf("amount %q too large", s)
	}

	return Amount{
		Currency: currency,
		Value:    uint64(value.IntPart()),
		Fraction: uint32(frac.IntPart()),
	}, nil
}

func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}

	return a
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	if s == "" {
		*a = Amount{}
		return nil
	}

	v, err := ParseAmount(s)
	if err != nil {
		return err
	}

	*a = v
	return nil
}
