package credit

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/kbukum/runkit/errors"
)

// CalculateMaxCredits returns how much more a task may spend:
// min(userRemaining, max(taskMax - spent, 0)), or zero when userRemaining
// or taskMax is not positive or spent is negative.
func CalculateMaxCredits(userRemaining, taskMax, spent *big.Int) *big.Int {
	if userRemaining == nil || taskMax == nil || spent == nil {
		return new(big.Int)
	}
	if userRemaining.Sign() <= 0 || taskMax.Sign() <= 0 || spent.Sign() < 0 {
		return new(big.Int)
	}
	effective := new(big.Int).Sub(taskMax, spent)
	if effective.Sign() < 0 {
		effective.SetInt64(0)
	}
	if userRemaining.Cmp(effective) < 0 {
		return new(big.Int).Set(userRemaining)
	}
	return effective
}

// Normalize converts v into an exact integer. Accepted inputs are Go
// integer types, *big.Int, big.Int, json.Number, float64 values with no
// fractional part, and decimal strings whose fractional digits are all
// zero ("1500000.000"). Anything else is INVALID_INPUT.
func Normalize(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case *big.Int:
		if n == nil {
			return nil, errors.InvalidInput("credits", "nil big.Int")
		}
		return new(big.Int).Set(n), nil
	case big.Int:
		return new(big.Int).Set(&n), nil
	case json.Number:
		return parseDecimal(n.String())
	case string:
		return parseDecimal(n)
	case float64:
		// JSON decoding into any yields float64; only exact integers survive.
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, errors.InvalidInput("credits", fmt.Sprintf("%v is not a number", n))
		}
		f := new(big.Float).SetFloat64(n)
		if !f.IsInt() {
			return nil, errors.InvalidInput("credits", fmt.Sprintf("%v has a fractional part", n))
		}
		i, _ := f.Int(nil)
		return i, nil
	case nil:
		return nil, errors.InvalidInput("credits", "value is missing")
	}
	return nil, errors.InvalidInput("credits", fmt.Sprintf("unsupported credit type %T", v))
}

func parseDecimal(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac {
		if strings.Trim(frac, "0") != "" {
			return nil, errors.InvalidInput("credits", fmt.Sprintf("%q has a fractional part", s))
		}
		if frac == "" {
			return nil, errors.InvalidInput("credits", fmt.Sprintf("%q is not a decimal integer", s))
		}
	}
	i, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, errors.InvalidInput("credits", fmt.Sprintf("%q is not a decimal integer", s))
	}
	return i, nil
}

// MustNormalize is Normalize that panics on error. Intended for constants
// in tests and wiring code.
func MustNormalize(v any) *big.Int {
	i, err := Normalize(v)
	if err != nil {
		panic(err)
	}
	return i
}
