// Package money holds the decimal helpers shared by every balance-carrying
// component. All functions are stateless and safe for concurrent use.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxDecimalPlaces bounds currency precision. Balances are stored as
// DECIMAL(20,8), so anything beyond 8 fractional digits cannot round-trip.
const MaxDecimalPlaces = 8

var ErrUnparseableAmount = errors.New("unparseable amount")

// RoundingMode selects how Scale resolves digits beyond a currency's
// precision. The zero value is not valid; use ParseRoundingMode or Down.
type RoundingMode string

const (
	Up       RoundingMode = "UP"
	Down     RoundingMode = "DOWN"
	Ceiling  RoundingMode = "CEILING"
	Floor    RoundingMode = "FLOOR"
	HalfUp   RoundingMode = "HALF_UP"
	HalfDown RoundingMode = "HALF_DOWN"
	HalfEven RoundingMode = "HALF_EVEN"
)

// ParseRoundingMode maps a configuration string to a RoundingMode,
// defaulting to Down (truncate toward zero) for empty input.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch RoundingMode(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return Down, nil
	case Up:
		return Up, nil
	case Down:
		return Down, nil
	case Ceiling:
		return Ceiling, nil
	case Floor:
		return Floor, nil
	case HalfUp:
		return HalfUp, nil
	case HalfDown:
		return HalfDown, nil
	case HalfEven:
		return HalfEven, nil
	}
	return "", fmt.Errorf("unknown rounding mode %q", s)
}

// ClampPlaces forces a precision into [0, MaxDecimalPlaces].
func ClampPlaces(places int32) int32 {
	if places < 0 {
		return 0
	}
	if places > MaxDecimalPlaces {
		return MaxDecimalPlaces
	}
	return places
}

// Scale returns value with exactly places fractional digits, resolving
// excess digits with the given mode.
func Scale(value decimal.Decimal, places int32, mode RoundingMode) decimal.Decimal {
	places = ClampPlaces(places)
	switch mode {
	case Up:
		return roundAway(value, places)
	case Ceiling:
		return value.RoundCeil(places)
	case Floor:
		return value.RoundFloor(places)
	case HalfUp:
		return value.Round(places)
	case HalfDown:
		return roundHalfDown(value, places)
	case HalfEven:
		return value.RoundBank(places)
	default: // Down
		return value.Truncate(places)
	}
}

// roundAway rounds away from zero whenever any excess digit is non-zero.
func roundAway(value decimal.Decimal, places int32) decimal.Decimal {
	truncated := value.Truncate(places)
	if truncated.Equal(value) {
		return truncated
	}
	step := decimal.New(1, -places)
	if value.IsNegative() {
		return truncated.Sub(step)
	}
	return truncated.Add(step)
}

// roundHalfDown rounds to nearest, resolving exact halves toward zero.
func roundHalfDown(value decimal.Decimal, places int32) decimal.Decimal {
	abs := value.Abs()
	truncated := abs.Truncate(places)
	remainder := abs.Sub(truncated)
	half := decimal.New(5, -places-1)
	if remainder.GreaterThan(half) {
		truncated = truncated.Add(decimal.New(1, -places))
	}
	if value.IsNegative() {
		return truncated.Neg()
	}
	return truncated
}

// Format renders value with exactly places fractional digits and a comma
// every three integer digits: 1234567.5 at 2 places -> "1,234,567.50".
func Format(value decimal.Decimal, places int32) string {
	places = ClampPlaces(places)
	s := value.StringFixed(places)

	sign := ""
	if strings.HasPrefix(s, "-") {
		sign = "-"
		s = s[1:]
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i:]
	}

	if len(intPart) > 3 {
		var b strings.Builder
		lead := len(intPart) % 3
		if lead > 0 {
			b.WriteString(intPart[:lead])
		}
		for i := lead; i < len(intPart); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(intPart[i : i+3])
		}
		intPart = b.String()
	}
	return sign + intPart + fracPart
}

// FormatWithSymbol prepends the currency symbol to the formatted amount.
func FormatWithSymbol(value decimal.Decimal, places int32, symbol string) string {
	return symbol + Format(value, places)
}

func IsPositive(value decimal.Decimal) bool {
	return value.Sign() > 0
}

func IsNonNegative(value decimal.Decimal) bool {
	return value.Sign() >= 0
}

// ParseAmount parses a user-supplied amount. Thousand separators are
// tolerated; anything else non-numeric fails with ErrUnparseableAmount.
func ParseAmount(text string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	if cleaned == "" {
		return decimal.Zero, ErrUnparseableAmount
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, ErrUnparseableAmount
	}
	return d, nil
}
