// Package money holds the fixed-point currency type used for every cost,
// cap and ledger figure. One Amount unit is 1/10000 USD, so the four-decimal
// rounding rule is part of the representation and sums never drift.
package money

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Scale is the number of Amount units per dollar.
const Scale = 10000

// Amount is a USD value with four decimal places.
type Amount int64

// FromFloat converts a decimal dollar figure, rounding half away from zero.
func FromFloat(usd float64) Amount {
	return Amount(math.Round(usd * Scale))
}

// Float64 returns the dollar value. Intended for display and ratios only.
func (a Amount) Float64() float64 {
	return float64(a) / Scale
}

// Decimal renders the amount with exactly four decimals and no symbol.
func (a Amount) Decimal() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%04d", sign, v/Scale, v%Scale)
}

func (a Amount) String() string {
	if a < 0 {
		return "-$" + (-a).Decimal()
	}
	return "$" + a.Decimal()
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Remaining is max(0, limit-spent).
func Remaining(limit, spent Amount) Amount {
	return Max(0, limit-spent)
}

// Ratio returns part/whole, or 0 when whole is not positive.
func Ratio(part, whole Amount) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal()), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*a = 0
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse reads a decimal dollar string such as "0.25" or "$5".
func Parse(s string) (Amount, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromFloat(f), nil
}

// Value stores amounts as integer units.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

// Scan accepts the integer column types returned by sqlite and postgres,
// including NUMERIC aggregates that lib/pq hands back as text.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = 0
	case int64:
		*a = Amount(v)
	case float64:
		*a = Amount(math.Round(v))
	case []byte:
		return a.scanText(string(v))
	case string:
		return a.scanText(v)
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}

func (a *Amount) scanText(s string) error {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*a = Amount(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("money: cannot scan %q: %w", s, err)
	}
	*a = Amount(math.Round(f))
	return nil
}
