// Package price handles price and size values from prediction market APIs
// without losing precision.
package price

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of units in 1.0 for both Price and Size.
const Scale int64 = 1_000_000

const scaleExp = -6

// Price is a fixed-point value with six decimals, e.g. 0.65 is 650_000.
type Price int64

// Size is a fixed-point share quantity with six decimals.
type Size int64

var (
	_ json.Unmarshaler = (*Price)(nil)
	_ json.Unmarshaler = (*Size)(nil)
	_ json.Marshaler   = Price(0)
	_ json.Marshaler   = Size(0)
)

// MarshalJSON writes p as a quoted decimal string, the way the APIs send it.
func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

func (s Size) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (p *Price) UnmarshalJSON(data []byte) error {
	v, err := parseFixed(data)
	if err != nil {
		return fmt.Errorf("parse price: %w", err)
	}
	*p = Price(v)
	return nil
}

func (s *Size) UnmarshalJSON(data []byte) error {
	v, err := parseFixed(data)
	if err != nil {
		return fmt.Errorf("parse size: %w", err)
	}
	*s = Size(v)
	return nil
}

// Parse reads a decimal string such as "0.65" into a Price.
func Parse(s string) (Price, error) {
	v, err := parseFixed([]byte(s))
	return Price(v), err
}

// ParseSize reads a decimal string such as "120.5" into a Size.
func ParseSize(s string) (Size, error) {
	v, err := parseFixed([]byte(s))
	return Size(v), err
}

// Decimal converts p to an arbitrary precision decimal.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), scaleExp)
}

func (p Price) String() string {
	return p.Decimal().String()
}

// Decimal converts s to an arbitrary precision decimal.
func (s Size) Decimal() decimal.Decimal {
	return decimal.New(int64(s), scaleExp)
}

func (s Size) String() string {
	return s.Decimal().String()
}

// FromDecimal truncates d to six decimals.
func FromDecimal(d decimal.Decimal) Price {
	return Price(d.Shift(-scaleExp).IntPart())
}

// parseFixed reads quoted or raw decimal digits, truncating past six decimals.
func parseFixed(data []byte) (int64, error) {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	// Else we assume that it is a raw number.
	if len(data) == 0 {
		return 0, fmt.Errorf("empty value")
	}

	var res int64
	i := 0

	for i < len(data) && data[i] != '.' {
		if data[i] < '0' || data[i] > '9' {
			return 0, fmt.Errorf("invalid character %q", data[i])
		}
		res = res*10 + int64(data[i]-'0')*Scale
		i++
	}

	if i < len(data) && data[i] == '.' {
		i++
		mult := Scale
		for i < len(data) {
			if data[i] < '0' || data[i] > '9' {
				return 0, fmt.Errorf("invalid character %q", data[i])
			}
			mult /= 10
			res += int64(data[i]-'0') * mult
			i++
		}
	}

	return res, nil
}
