package trading

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// roundConfig is the number of decimals allowed for price, share size and
// collateral amount at a given tick size.
type roundConfig struct {
	price  int32
	size   int32
	amount int32
}

var roundConfigs = map[string]roundConfig{
	"0.1":    {price: 1, size: 2, amount: 3},
	"0.01":   {price: 2, size: 2, amount: 4},
	"0.001":  {price: 3, size: 2, amount: 5},
	"0.0001": {price: 4, size: 2, amount: 6},
}

// collateralDecimals is the on-chain precision of both shares and collateral.
const collateralDecimals = 6

func parseTickSize(tickSize string) (decimal.Decimal, roundConfig, error) {
	tick, err := decimal.NewFromString(tickSize)
	if err != nil {
		return decimal.Decimal{}, roundConfig{}, fmt.Errorf("%w: invalid tick size %q", ErrInvalidOrder, tickSize)
	}
	rc, ok := roundConfigs[tick.String()]
	if !ok {
		return decimal.Decimal{}, roundConfig{}, fmt.Errorf("%w: unsupported tick size %s", ErrInvalidOrder, tick)
	}
	return tick, rc, nil
}

// checkPrice requires price to lie within [tick, 1-tick].
func checkPrice(price, tick decimal.Decimal) error {
	maxPrice := one.Sub(tick)
	if price.LessThan(tick) || price.GreaterThan(maxPrice) {
		return fmt.Errorf("%w: invalid price (%s), min: %s - max: %s", ErrInvalidOrder, price, tick, maxPrice)
	}
	return nil
}

// orderAmounts returns maker and taker amounts in collateral units. A buy
// gives collateral for shares and a sell gives shares for collateral.
func orderAmounts(action Action, size, price decimal.Decimal, rc roundConfig) (maker, taker string) {
	rawPrice := price.Round(rc.price)
	shares := size.RoundDown(rc.size)
	collateral := fitDecimals(shares.Mul(rawPrice), rc.amount)

	if action == ActionBuy {
		return toUnits(collateral), toUnits(shares)
	}
	return toUnits(shares), toUnits(collateral)
}

func fitDecimals(d decimal.Decimal, places int32) decimal.Decimal {
	if decimalPlaces(d) <= places {
		return d
	}
	d = d.RoundUp(places + 4)
	if decimalPlaces(d) > places {
		d = d.RoundDown(places)
	}
	return d
}

func decimalPlaces(d decimal.Decimal) int32 {
	s := d.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(s) - i - 1)
}

func toUnits(d decimal.Decimal) string {
	return d.Shift(collateralDecimals).Truncate(0).String()
}
