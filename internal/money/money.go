package money

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrOverflow        = errors.New("amount overflow")
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrFractionalMinor = errors.New("amount has more precision than the currency minor unit")
)

// Currency is an ISO 4217 code from the supported set.
type Currency string

const (
	TRY Currency = "TRY"
	USD Currency = "USD"
	EUR Currency = "EUR"
)

// CurrencyInfo describes a supported currency. Exponent is the number of
// decimal places between the major and minor unit (2 means 1 TRY = 100 kuruş).
type CurrencyInfo struct {
	Code     Currency `json:"code"`
	Name     string   `json:"name"`
	Symbol   string   `json:"symbol"`
	Exponent int32    `json:"exponent"`
}

var currencies = map[Currency]CurrencyInfo{
	TRY: {Code: TRY, Name: "Turkish Lira", Symbol: "₺", Exponent: 2},
	USD: {Code: USD, Name: "US Dollar", Symbol: "$", Exponent: 2},
	EUR: {Code: EUR, Name: "Euro", Symbol: "€", Exponent: 2},
}

// ParseCurrency normalizes s and checks it against the supported set.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := currencies[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
	return c, nil
}

// Info returns the metadata for c.
func (c Currency) Info() (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Currencies lists the supported currencies ordered by code.
func Currencies() []CurrencyInfo {
	out := make([]CurrencyInfo, 0, len(currencies))
	for _, info := range currencies {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Amount is a signed quantity of minor currency units.
type Amount int64

func (a Amount) Int64() int64     { return int64(a) }
func (a Amount) IsNegative() bool { return a < 0 }
func (a Amount) IsPositive() bool { return a > 0 }

// Add returns a+b, failing instead of wrapping around.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, failing instead of wrapping around.
func (a Amount) Sub(b Amount) (Amount, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// Neg returns -a.
func (a Amount) Neg() (Amount, error) {
	if a == math.MinInt64 {
		return 0, ErrOverflow
	}
	return -a, nil
}

// Format renders a in major units with the currency code, e.g. "100.50 TRY".
func Format(a Amount, c Currency) string {
	info, ok := currencies[c]
	if !ok {
		return fmt.Sprintf("%d %s", a, c)
	}
	return decimal.New(int64(a), -info.Exponent).StringFixed(info.Exponent) + " " + string(c)
}

// FromMajor parses a major-unit decimal string ("10.50") into minor units.
func FromMajor(s string, c Currency) (Amount, error) {
	info, ok := currencies[c]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, c)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	minor := d.Shift(info.Exponent)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, ErrFractionalMinor
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, ErrOverflow
	}
	return Amount(minor.IntPart()), nil
}

// ToMajor converts minor units into a decimal in major units.
func ToMajor(a Amount, c Currency) decimal.Decimal {
	info, ok := currencies[c]
	if !ok {
		return decimal.NewFromInt(int64(a))
	}
	return decimal.New(int64(a), -info.Exponent)
}
